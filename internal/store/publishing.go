package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/feed"
	"github.com/pixelarcade/chat/internal/models"
	"go.uber.org/zap"
)

// PublishingMessageStore emits change-feed events for every successful write
// of the wrapped store. Publish failures are logged, never returned: the row is
// already durable and subscribers reconcile by fetching.
type PublishingMessageStore struct {
	MessageStore
	pub    feed.Publisher
	logger *zap.Logger
}

func WithFeed(inner MessageStore, pub feed.Publisher, logger *zap.Logger) *PublishingMessageStore {
	return &PublishingMessageStore{
		MessageStore: inner,
		pub:          pub,
		logger:       logger.Named("message_feed"),
	}
}

func (s *PublishingMessageStore) Insert(ctx context.Context, m *models.Message) error {
	if err := s.MessageStore.Insert(ctx, m); err != nil {
		return err
	}
	s.publish(ctx, feed.EventInsert, *m)
	return nil
}

func (s *PublishingMessageStore) SoftDelete(ctx context.Context, id uuid.UUID) (*models.Message, bool, error) {
	msg, changed, err := s.MessageStore.SoftDelete(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.publish(ctx, feed.EventUpdate, *msg)
	}
	return msg, changed, nil
}

func (s *PublishingMessageStore) Redact(ctx context.Context, id uuid.UUID, replacement string) (*models.Message, bool, error) {
	msg, changed, err := s.MessageStore.Redact(ctx, id, replacement)
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.publish(ctx, feed.EventUpdate, *msg)
	}
	return msg, changed, nil
}

func (s *PublishingMessageStore) publish(ctx context.Context, typ feed.EventType, msg models.Message) {
	ev := feed.Event{Type: typ, Table: feed.TableMessages, Message: msg}
	if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("Failed to publish change event",
			zap.String("type", string(typ)),
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
	}
}
