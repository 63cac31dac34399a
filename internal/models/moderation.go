package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is a moderation action taken against a user.
type Action string

const (
	ActionWarn    Action = "warn"
	ActionTimeout Action = "timeout"
	ActionKick    Action = "kick"
	ActionBan     Action = "ban"
	ActionUnban   Action = "unban"
)

// ParseAction converts a wire value to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Transitions[a]; !ok {
		return "", NewValidationError("action", fmt.Sprintf("unknown action %q", s))
	}
	return a, nil
}

// BanDelta describes how an action changes a user's BanState.
type BanDelta struct {
	Mutates bool
	Suspend bool
	// Timed actions derive expires_at from duration_minutes.
	Timed bool
}

// Transitions is the action -> BanState delta table. Every suspension-affecting
// code path goes through it.
var Transitions = map[Action]BanDelta{
	ActionWarn:    {},
	ActionKick:    {},
	ActionTimeout: {Mutates: true, Suspend: true, Timed: true},
	ActionBan:     {Mutates: true, Suspend: true},
	ActionUnban:   {Mutates: true, Suspend: false},
}

// RequiresDuration reports whether the action needs duration_minutes.
func (a Action) RequiresDuration() bool {
	return Transitions[a].Timed
}

// ExpiresAt derives the expiry of an action taken at now.
func (a Action) ExpiresAt(now time.Time, durationMinutes *int) *time.Time {
	if !a.RequiresDuration() || durationMinutes == nil {
		return nil
	}
	t := now.Add(time.Duration(*durationMinutes) * time.Minute)
	return &t
}

// Apply returns the BanState that results from entry, given the current state.
func (d BanDelta) Apply(current BanState, entry ModerationLogEntry) BanState {
	if !d.Mutates {
		return current
	}
	if !d.Suspend {
		return BanState{}
	}
	reason := entry.Reason
	return BanState{
		IsSuspended: true,
		Reason:      &reason,
		ExpiresAt:   entry.ExpiresAt,
	}
}

// ModerationLogEntry is an append-only audit record of a moderation action.
type ModerationLogEntry struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	TargetUserID    uuid.UUID  `json:"target_user_id" db:"target_user_id"`
	ModeratorID     uuid.UUID  `json:"moderator_id" db:"moderator_id"`
	Action          Action     `json:"action" db:"action"`
	Reason          string     `json:"reason" db:"reason"`
	DurationMinutes *int       `json:"duration_minutes,omitempty" db:"duration_minutes"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// BanState is the per-user suspension projection of the moderation log.
type BanState struct {
	IsSuspended bool       `json:"is_suspended"`
	Reason      *string    `json:"reason,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// EffectivelySuspended is the only place suspension expiry is evaluated.
// Expiry is lazy: an expired suspension stays recorded but no longer gates.
func (b BanState) EffectivelySuspended(now time.Time) bool {
	if !b.IsSuspended {
		return false
	}
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

// ProjectBanState rebuilds a BanState from log entries in chronological order.
func ProjectBanState(entries []ModerationLogEntry) BanState {
	state := BanState{}
	for _, e := range entries {
		state = Transitions[e.Action].Apply(state, e)
	}
	return state
}

// Severity is the tier an oracle assigns to a denied message.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case "", SeverityNone:
		return SeverityNone, nil
	case SeverityLow, SeverityMedium, SeverityHigh:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// MessageContext selects the automod remediation strategy.
type MessageContext string

const (
	ContextGlobal MessageContext = "global"
	ContextDirect MessageContext = "dm"
)

const (
	ReasonOK                 = "ok"
	ReasonServiceUnavailable = "service unavailable"
)

// Verdict is an oracle decision. It is never persisted, only its consequences.
type Verdict struct {
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason"`
	Severity        Severity `json:"severity,omitempty"`
	FilteredContent string   `json:"filteredContent,omitempty"`
}

// FailOpen is the verdict used whenever the oracle cannot answer.
func FailOpen(reason string) Verdict {
	if reason == "" {
		reason = ReasonServiceUnavailable
	}
	return Verdict{Allowed: true, Reason: reason, Severity: SeverityNone}
}

// Normalize fills defaults: allowed verdicts carry "ok" and no severity,
// denials always carry a reason and at least low severity.
func (v Verdict) Normalize() Verdict {
	if v.Allowed {
		if v.Reason == "" {
			v.Reason = ReasonOK
		}
		v.Severity = SeverityNone
		v.FilteredContent = ""
		return v
	}
	if strings.TrimSpace(v.Reason) == "" {
		v.Reason = "flagged"
	}
	if v.Severity == "" || v.Severity == SeverityNone {
		v.Severity = SeverityLow
	}
	return v
}

// AutomodAction is what the gate did about a denied message.
type AutomodAction string

const (
	AutomodWarned   AutomodAction = "warned"
	AutomodBlocked  AutomodAction = "blocked"
	AutomodFiltered AutomodAction = "filtered"
)

// AutomodRecord is the audit entry written for every automod denial.
type AutomodRecord struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	MessageID   *uuid.UUID     `json:"message_id,omitempty" db:"message_id"`
	AuthorID    uuid.UUID      `json:"author_id" db:"author_id"`
	Context     MessageContext `json:"context" db:"context"`
	Content     string         `json:"content" db:"content"`
	Reason      string         `json:"reason" db:"reason"`
	Severity    Severity       `json:"severity" db:"severity"`
	ActionTaken AutomodAction  `json:"action_taken" db:"action_taken"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

type ModerationActionRequest struct {
	TargetUserID    uuid.UUID `json:"target_user_id"`
	Action          string    `json:"action"`
	Reason          string    `json:"reason"`
	DurationMinutes *int      `json:"duration_minutes,omitempty"`
}
