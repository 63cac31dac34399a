// Package cache holds the Redis-backed pieces shared between server
// instances: the message change feed, direct message fan-out and the
// distributed send rate limiter.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/feed"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	feedChannelPrefix = "feed:"
	directChannel     = "direct"
)

type RedisClient struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int, logger *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisClientFrom(client, logger), nil
}

// NewRedisClientFrom wraps an existing go-redis client.
func NewRedisClientFrom(client *redis.Client, logger *zap.Logger) *RedisClient {
	return &RedisClient{
		client: client,
		logger: logger.Named("redis"),
	}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Change feed

// Publish implements feed.Publisher on the table's pub/sub channel.
func (r *RedisClient) Publish(ctx context.Context, ev feed.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, feedChannelPrefix+ev.Table, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe implements feed.Subscriber. It returns once Redis has confirmed
// the subscription. The events channel closes when the connection drops.
func (r *RedisClient) Subscribe(ctx context.Context, filter feed.Filter) (feed.Subscription, error) {
	if filter.Table == "" {
		return nil, errors.New("subscription needs a table")
	}

	ps := r.client.Subscribe(ctx, feedChannelPrefix+filter.Table)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscription{
		ps:     ps,
		events: make(chan feed.Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.loop(loopCtx, filter, r.logger)
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan feed.Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan feed.Event { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done
	})
	return err
}

func (s *redisSubscription) loop(ctx context.Context, filter feed.Filter, logger *zap.Logger) {
	defer close(s.done)
	defer close(s.events)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Feed subscription lost", zap.String("table", filter.Table), zap.Error(err))
			}
			return
		}

		var ev feed.Event
		if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
			logger.Warn("Dropping undecodable feed event", zap.Error(err))
			continue
		}
		if !filter.Matches(ev) {
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Direct messages

// DirectEnvelope routes a pre-encoded websocket frame to one user on
// whichever instance holds their connection.
type DirectEnvelope struct {
	UserID uuid.UUID `json:"user_id"`
	Data   []byte    `json:"data"`
}

func (r *RedisClient) PublishDirect(ctx context.Context, userID uuid.UUID, data []byte) error {
	payload, err := sonic.Marshal(DirectEnvelope{UserID: userID, Data: data})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, directChannel, payload).Err()
}

// SubscribeDirect delivers envelopes to handle until ctx is done.
func (r *RedisClient) SubscribeDirect(ctx context.Context, handle func(DirectEnvelope)) error {
	ps := r.client.Subscribe(ctx, directChannel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to direct channel: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env DirectEnvelope
			if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
				r.logger.Warn("Dropping undecodable direct envelope", zap.Error(err))
				continue
			}
			handle(env)
		}
	}
}

// Rate limiting

var allowScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end
local delta = math.max(0, now - last)
local new_tokens = math.min(burst, tokens + (delta * rate / 1000))
local allowed = 0
if new_tokens >= 1 then
	new_tokens = new_tokens - 1
	allowed = 1
end
redis.call('HMSET', key, 'tokens', new_tokens, 'last', now)
redis.call('PEXPIRE', key, 60000)
return allowed
`)

// AllowAction implements a Redis-backed token-bucket limiter per key (user+action).
// Returns true if the action is allowed, false if rate-limited.
func (r *RedisClient) AllowAction(ctx context.Context, userID uuid.UUID, action string, rate, burst int) (bool, error) {
	key := fmt.Sprintf("rl:%s:%s", action, userID.String())
	now := time.Now().UnixMilli()

	allowed, err := allowScript.Run(ctx, r.client, []string{key}, rate, burst, now).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter script failed: %w", err)
	}
	return allowed == 1, nil
}
