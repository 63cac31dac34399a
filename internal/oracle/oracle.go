// Package oracle classifies chat content. An Oracle only decides; enforcing
// the verdict is the automod gate's job.
package oracle

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
)

var (
	// ErrMalformedVerdict is returned when classifier output cannot be parsed.
	ErrMalformedVerdict = errors.New("malformed verdict")
	// ErrUnavailable wraps transport failures talking to a classifier.
	ErrUnavailable = errors.New("classifier unavailable")
)

// Request is the input of a classification.
type Request struct {
	Content   string                `json:"content"`
	UserID    uuid.UUID             `json:"userId"`
	Type      models.MessageContext `json:"type"`
	MessageID *uuid.UUID            `json:"messageId,omitempty"`
}

// Oracle classifies a single message.
type Oracle interface {
	Classify(ctx context.Context, req Request) (models.Verdict, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, req Request) (models.Verdict, error)

func (f Func) Classify(ctx context.Context, req Request) (models.Verdict, error) {
	return f(ctx, req)
}

// Chain consults oracles in order. The first denial wins. An error is only
// returned when no oracle denied and at least one failed.
type Chain []Oracle

func (c Chain) Classify(ctx context.Context, req Request) (models.Verdict, error) {
	var firstErr error
	for _, o := range c {
		v, err := o.Classify(ctx, req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !v.Allowed {
			return v.Normalize(), nil
		}
	}
	if firstErr != nil {
		return models.Verdict{}, firstErr
	}
	return models.Verdict{Allowed: true, Reason: models.ReasonOK, Severity: models.SeverityNone}, nil
}
