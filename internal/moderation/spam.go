package moderation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
	"go.uber.org/zap"
)

const (
	spamWindow         = 10 * time.Second
	spamThreshold      = 3
	spamTimeoutMinutes = 5
	SpamReason         = "spam: repeated messages"
)

type recentMsg struct {
	content string
	ts      time.Time
}

// SpamGuard times out users who repeat the same message. The third identical
// message inside the window triggers a system timeout.
type SpamGuard struct {
	actions *Service
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	recent map[uuid.UUID][]recentMsg
}

func NewSpamGuard(actions *Service, logger *zap.Logger) *SpamGuard {
	return &SpamGuard{
		actions: actions,
		logger:  logger.Named("spam_guard"),
		now:     time.Now,
		recent:  make(map[uuid.UUID][]recentMsg),
	}
}

// Observe records msg and reports whether it tripped the guard. A tripped
// guard has already applied the timeout.
func (g *SpamGuard) Observe(ctx context.Context, msg models.Message) (bool, error) {
	now := g.now()

	g.mu.Lock()
	kept := g.recent[msg.AuthorID][:0]
	repeats := 1
	for _, rm := range g.recent[msg.AuthorID] {
		if now.Sub(rm.ts) > spamWindow {
			continue
		}
		kept = append(kept, rm)
		if rm.content == msg.Content {
			repeats++
		}
	}
	tripped := repeats >= spamThreshold
	if tripped {
		delete(g.recent, msg.AuthorID)
	} else {
		g.recent[msg.AuthorID] = append(kept, recentMsg{content: msg.Content, ts: now})
	}
	g.mu.Unlock()

	if !tripped {
		return false, nil
	}

	duration := spamTimeoutMinutes
	_, err := g.actions.ApplyAction(ctx, ActionRequest{
		TargetUserID:    msg.AuthorID,
		ActorID:         g.actions.SystemID(),
		Action:          models.ActionTimeout,
		Reason:          SpamReason,
		DurationMinutes: &duration,
	})
	if err != nil {
		g.logger.Error("Failed to time out spammer",
			zap.String("user_id", msg.AuthorID.String()),
			zap.Error(err))
		return true, err
	}

	g.logger.Info("Timed out spammer",
		zap.String("user_id", msg.AuthorID.String()),
		zap.String("message_id", msg.ID.String()))
	return true, nil
}

// Sweep drops windows that have fully expired.
func (g *SpamGuard) Sweep() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, msgs := range g.recent {
		if len(msgs) == 0 || now.Sub(msgs[len(msgs)-1].ts) > spamWindow {
			delete(g.recent, id)
		}
	}
}
