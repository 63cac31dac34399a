// Package automod enforces oracle verdicts on chat messages. Classifier
// failures never block chat: every error path yields an allowed verdict.
package automod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/pixelarcade/chat/internal/oracle"
	"github.com/sony/gobreaker"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Redactor is the message store surface the gate needs for global chat.
type Redactor interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	Redact(ctx context.Context, id uuid.UUID, replacement string) (*models.Message, bool, error)
}

// AuditWriter stores automod records.
type AuditWriter interface {
	AddAutomodRecord(ctx context.Context, rec *models.AutomodRecord) error
}

type Config struct {
	Timeout         time.Duration
	MaxConcurrent   int64
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Gate calls the oracle once per message under a timeout, a concurrency
// bound and a circuit breaker, then applies the verdict.
type Gate struct {
	oracle   oracle.Oracle
	messages Redactor
	audit    AuditWriter
	breaker  *gobreaker.CircuitBreaker
	sem      *semaphore.Weighted
	timeout  time.Duration
	wg       conc.WaitGroup
	logger   *zap.Logger
}

func NewGate(o oracle.Oracle, messages Redactor, audit AuditWriter, cfg Config, logger *zap.Logger) *Gate {
	cfg = cfg.withDefaults()
	logger = logger.Named("automod")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "moderation_oracle",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Oracle circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Gate{
		oracle:   o,
		messages: messages,
		audit:    audit,
		breaker:  breaker,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Evaluate returns the oracle's verdict for req, or a fail-open verdict when
// the oracle times out, errors, panics or returns garbage. It never retries.
func (g *Gate) Evaluate(ctx context.Context, req oracle.Request) models.Verdict {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return g.failOpen(req, fmt.Errorf("failed to acquire oracle slot: %w", err))
	}
	defer g.sem.Release(1)

	result, err := g.breaker.Execute(func() (any, error) {
		return g.classify(ctx, req)
	})
	if err != nil {
		return g.failOpen(req, err)
	}

	verdict, ok := result.(models.Verdict)
	if !ok {
		return g.failOpen(req, oracle.ErrMalformedVerdict)
	}
	switch {
	case req.Type != models.ContextDirect:
		verdict.FilteredContent = ""
	case verdict.FilteredContent != "":
		if err := models.ValidateContent(verdict.FilteredContent, 0); err != nil {
			g.logger.Warn("Discarding out of range filtered content",
				zap.String("user_id", req.UserID.String()),
				zap.Int("length", len(verdict.FilteredContent)),
				zap.Error(err))
			verdict.FilteredContent = ""
		}
	}
	return verdict.Normalize()
}

// classify runs the oracle in its own goroutine so a call that ignores its
// context still cannot hold the gate past the deadline.
func (g *Gate) classify(ctx context.Context, req oracle.Request) (models.Verdict, error) {
	type result struct {
		verdict models.Verdict
		err     error
	}
	done := make(chan result, 1)

	go func() {
		var (
			catcher panics.Catcher
			res     result
		)
		catcher.Try(func() {
			res.verdict, res.err = g.oracle.Classify(ctx, req)
		})
		if r := catcher.Recovered(); r != nil {
			res.err = r.AsError()
		}
		done <- res
	}()

	select {
	case res := <-done:
		if err := ctx.Err(); err != nil {
			return models.Verdict{}, fmt.Errorf("oracle call abandoned: %w", err)
		}
		return res.verdict, res.err
	case <-ctx.Done():
		return models.Verdict{}, fmt.Errorf("oracle call abandoned: %w", ctx.Err())
	}
}

func (g *Gate) failOpen(req oracle.Request, err error) models.Verdict {
	fields := []zap.Field{
		zap.String("user_id", req.UserID.String()),
		zap.String("context", string(req.Type)),
		zap.Error(err),
	}
	if req.MessageID != nil {
		fields = append(fields, zap.String("message_id", req.MessageID.String()))
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.logger.Debug("Oracle breaker open, failing open", fields...)
	} else {
		g.logger.Warn("Oracle unavailable, failing open", fields...)
	}
	return models.FailOpen(models.ReasonServiceUnavailable)
}

// Reasons returned when a request names a message the gate will not act on.
const (
	ReasonMessageNotFound = "message not found"
	ReasonAuthorMismatch  = "author mismatch"
	ReasonMessageDeleted  = "message already deleted"
	ReasonInvalidMessage  = "invalid messageId"
)

// Invoke evaluates req and enforces a denial: an audit record is always
// written, and a high severity global message that is already persisted is
// redacted. The verdict is returned unchanged.
//
// A request naming a stored message is judged on that row: its content and
// author replace whatever the caller sent, and a UserID other than the
// author's is refused with a fail-open verdict.
func (g *Gate) Invoke(ctx context.Context, req oracle.Request) models.Verdict {
	if req.MessageID == nil {
		return g.invoke(ctx, req)
	}

	resolved, reason, err := g.resolve(ctx, req)
	if reason != "" {
		fields := []zap.Field{
			zap.String("message_id", req.MessageID.String()),
			zap.String("user_id", req.UserID.String()),
			zap.String("reason", reason),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		g.logger.Warn("Automod request refused", fields...)
		return models.FailOpen(reason)
	}
	return g.invoke(ctx, resolved)
}

func (g *Gate) resolve(ctx context.Context, req oracle.Request) (oracle.Request, string, error) {
	if req.Type != models.ContextGlobal {
		return req, ReasonInvalidMessage, nil
	}

	msg, err := g.messages.GetByID(ctx, *req.MessageID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return req, ReasonMessageNotFound, nil
	case err != nil:
		return req, models.ReasonServiceUnavailable, err
	}

	if req.UserID != uuid.Nil && req.UserID != msg.AuthorID {
		return req, ReasonAuthorMismatch, nil
	}
	if msg.IsDeleted {
		return req, ReasonMessageDeleted, nil
	}

	req.Content = msg.Content
	req.UserID = msg.AuthorID
	return req, "", nil
}

func (g *Gate) invoke(ctx context.Context, req oracle.Request) models.Verdict {
	verdict := g.Evaluate(ctx, req)
	if verdict.Allowed {
		return verdict
	}
	g.enforce(ctx, req, verdict)
	return verdict
}

func actionFor(req oracle.Request, v models.Verdict) models.AutomodAction {
	switch {
	case v.Severity == models.SeverityHigh:
		return models.AutomodBlocked
	case req.Type == models.ContextDirect && v.FilteredContent != "":
		return models.AutomodFiltered
	default:
		return models.AutomodWarned
	}
}

func (g *Gate) enforce(ctx context.Context, req oracle.Request, v models.Verdict) {
	action := actionFor(req, v)

	rec := &models.AutomodRecord{
		MessageID:   req.MessageID,
		AuthorID:    req.UserID,
		Context:     req.Type,
		Content:     req.Content,
		Reason:      v.Reason,
		Severity:    v.Severity,
		ActionTaken: action,
	}
	if err := g.audit.AddAutomodRecord(ctx, rec); err != nil {
		g.logger.Error("Failed to write automod record",
			zap.String("user_id", req.UserID.String()),
			zap.String("action_taken", string(action)),
			zap.Error(err))
	}

	if action != models.AutomodBlocked || req.Type != models.ContextGlobal || req.MessageID == nil {
		return
	}

	msg, changed, err := g.messages.Redact(ctx, *req.MessageID, models.RedactedContent)
	if err != nil {
		g.logger.Error("Failed to redact message",
			zap.String("message_id", req.MessageID.String()),
			zap.Error(err))
		return
	}
	g.logger.Info("Redacted message",
		zap.String("message_id", msg.ID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.String("reason", v.Reason),
		zap.Bool("changed", changed))
}

// ModerateGlobal classifies a persisted global chat message and corrects it
// after the fact.
func (g *Gate) ModerateGlobal(ctx context.Context, msg models.Message) models.Verdict {
	id := msg.ID
	return g.invoke(ctx, oracle.Request{
		Content:   msg.Content,
		UserID:    msg.AuthorID,
		Type:      models.ContextGlobal,
		MessageID: &id,
	})
}

// ModerateDirect classifies a direct message before it is persisted. It
// returns the content to store, which is the oracle's filtered text when one
// was supplied. High severity is rejected with ErrContentRejected.
func (g *Gate) ModerateDirect(ctx context.Context, senderID uuid.UUID, content string) (string, models.Verdict, error) {
	verdict := g.invoke(ctx, oracle.Request{
		Content: content,
		UserID:  senderID,
		Type:    models.ContextDirect,
	})

	if verdict.Allowed {
		return content, verdict, nil
	}

	switch actionFor(oracle.Request{Type: models.ContextDirect}, verdict) {
	case models.AutomodBlocked:
		return "", verdict, fmt.Errorf("%w: %s", models.ErrContentRejected, verdict.Reason)
	case models.AutomodFiltered:
		return verdict.FilteredContent, verdict, nil
	default:
		return content, verdict, nil
	}
}

// Go moderates msg in the background. The caller's cancellation does not
// reach the moderation call: the decision applies chat-wide.
func (g *Gate) Go(ctx context.Context, msg models.Message) {
	ctx = context.WithoutCancel(ctx)
	g.wg.Go(func() {
		g.ModerateGlobal(ctx, msg)
	})
}

// Wait blocks until background moderation finishes.
func (g *Gate) Wait() {
	if r := g.wg.WaitAndRecover(); r != nil {
		g.logger.Error("Background moderation panicked", zap.Error(r.AsError()))
	}
}
