// Package moderation is the single path through which suspension-affecting
// actions are applied, whether a human moderator or automation triggers them.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/pixelarcade/chat/internal/store"
	"go.uber.org/zap"
)

// AutomatedReason is recorded when the system actor omits a reason.
const AutomatedReason = "automated"

type ActionRequest struct {
	TargetUserID    uuid.UUID
	ActorID         uuid.UUID
	Action          models.Action
	Reason          string
	DurationMinutes *int
}

type Service struct {
	profiles store.ProfileStore
	logs     store.ModerationStore
	systemID uuid.UUID
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(profiles store.ProfileStore, logs store.ModerationStore, systemID uuid.UUID, logger *zap.Logger) *Service {
	return &Service{
		profiles: profiles,
		logs:     logs,
		systemID: systemID,
		now:      time.Now,
		logger:   logger.Named("moderation"),
	}
}

// SystemID is the actor recorded for automated actions.
func (s *Service) SystemID() uuid.UUID {
	return s.systemID
}

func (s *Service) validate(req *ActionRequest) error {
	if _, ok := models.Transitions[req.Action]; !ok {
		return models.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.TargetUserID == uuid.Nil {
		return models.NewValidationError("target_user_id", "target user is required")
	}

	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		if req.ActorID != s.systemID {
			return models.NewValidationError("reason", "reason is required")
		}
		req.Reason = AutomatedReason
	}

	if req.Action.RequiresDuration() {
		if req.DurationMinutes == nil || *req.DurationMinutes <= 0 {
			return models.NewValidationError("duration_minutes", "a positive duration is required for timeout")
		}
	} else {
		req.DurationMinutes = nil
	}
	return nil
}

// ApplyAction validates req, appends a log entry and then updates the
// target's BanState per models.Transitions. When the log write succeeds but
// the state write fails, the entry is returned together with the error.
func (s *Service) ApplyAction(ctx context.Context, req ActionRequest) (*models.ModerationLogEntry, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	profile, err := s.profiles.GetProfile(ctx, req.TargetUserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("target user %s: %w", req.TargetUserID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load target user: %w", err)
	}

	entry := &models.ModerationLogEntry{
		TargetUserID:    req.TargetUserID,
		ModeratorID:     req.ActorID,
		Action:          req.Action,
		Reason:          req.Reason,
		DurationMinutes: req.DurationMinutes,
		ExpiresAt:       req.Action.ExpiresAt(s.now().UTC(), req.DurationMinutes),
	}
	if err := s.logs.AppendLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record moderation action: %w", err)
	}

	s.logger.Info("Moderation action recorded",
		zap.String("log_id", entry.ID.String()),
		zap.String("action", string(entry.Action)),
		zap.String("target_user_id", entry.TargetUserID.String()),
		zap.String("moderator_id", entry.ModeratorID.String()))

	delta := models.Transitions[req.Action]
	if !delta.Mutates {
		return entry, nil
	}
	if req.Action == models.ActionUnban && !profile.Ban.IsSuspended {
		return entry, nil
	}

	next := delta.Apply(profile.Ban, *entry)
	if err := s.profiles.SetBanState(ctx, req.TargetUserID, next); err != nil {
		s.logger.Error("Ban state update failed after log write",
			zap.String("log_id", entry.ID.String()),
			zap.String("target_user_id", entry.TargetUserID.String()),
			zap.Error(err))
		return entry, fmt.Errorf("failed to update ban state: %w", err)
	}
	return entry, nil
}

// History returns every log entry targeting userID, oldest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID) ([]models.ModerationLogEntry, error) {
	if _, err := s.profiles.GetProfile(ctx, userID); err != nil {
		return nil, err
	}
	return s.logs.LogsForUser(ctx, userID)
}

func (s *Service) BanState(ctx context.Context, userID uuid.UUID) (models.BanState, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return models.BanState{}, err
	}
	return profile.Ban, nil
}

// AutomodHistory returns the newest automod records for userID.
func (s *Service) AutomodHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.AutomodRecord, error) {
	return s.logs.AutomodRecordsForUser(ctx, userID, limit)
}

// CheckCanSend returns ErrSuspended while the user's suspension is in effect.
func (s *Service) CheckCanSend(ctx context.Context, userID uuid.UUID) error {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if profile.Ban.EffectivelySuspended(s.now()) {
		reason := ""
		if profile.Ban.Reason != nil {
			reason = *profile.Ban.Reason
		}
		return fmt.Errorf("%w: %s", models.ErrSuspended, reason)
	}
	return nil
}

// Rebuild recomputes the user's BanState from the log and stores it.
func (s *Service) Rebuild(ctx context.Context, userID uuid.UUID) (models.BanState, error) {
	entries, err := s.History(ctx, userID)
	if err != nil {
		return models.BanState{}, err
	}
	state := models.ProjectBanState(entries)
	if err := s.profiles.SetBanState(ctx, userID, state); err != nil {
		return models.BanState{}, fmt.Errorf("failed to store rebuilt ban state: %w", err)
	}
	return state, nil
}
