package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestEffectivelySuspended(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		state BanState
		want  bool
	}{
		{"not suspended", BanState{}, false},
		{"permanent ban", BanState{IsSuspended: true}, true},
		{"active timeout", BanState{IsSuspended: true, ExpiresAt: &future}, true},
		{"expired timeout", BanState{IsSuspended: true, ExpiresAt: &past}, false},
		{"expires exactly now", BanState{IsSuspended: true, ExpiresAt: &now}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.EffectivelySuspended(now))
		})
	}
}

func TestActionExpiresAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	exp := ActionTimeout.ExpiresAt(now, intPtr(60))
	require.NotNil(t, exp)
	assert.Equal(t, now.Add(time.Hour), *exp)

	assert.Nil(t, ActionBan.ExpiresAt(now, intPtr(60)))
	assert.Nil(t, ActionWarn.ExpiresAt(now, intPtr(60)))
	assert.Nil(t, ActionUnban.ExpiresAt(now, nil))
}

func TestProjectBanState_IgnoresWarnAndKick(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Hour)
	target := uuid.New()

	entries := []ModerationLogEntry{
		{TargetUserID: target, Action: ActionBan, Reason: "cheating"},
		{TargetUserID: target, Action: ActionUnban, Reason: "appeal"},
		{TargetUserID: target, Action: ActionTimeout, Reason: "spam", DurationMinutes: intPtr(60), ExpiresAt: &exp},
		{TargetUserID: target, Action: ActionWarn, Reason: "language"},
		{TargetUserID: target, Action: ActionKick, Reason: "afk"},
	}

	state := ProjectBanState(entries)
	assert.True(t, state.IsSuspended)
	require.NotNil(t, state.Reason)
	assert.Equal(t, "spam", *state.Reason)
	assert.Equal(t, &exp, state.ExpiresAt)

	state = ProjectBanState(append(entries, ModerationLogEntry{Action: ActionUnban, Reason: "ok"}))
	assert.Equal(t, BanState{}, state)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Timeout ")
	require.NoError(t, err)
	assert.Equal(t, ActionTimeout, a)

	_, err = ParseAction("mute")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestParseSeverity(t *testing.T) {
	for in, want := range map[string]Severity{"": SeverityNone, "HIGH": SeverityHigh, "low": SeverityLow, "medium": SeverityMedium} {
		got, err := ParseSeverity(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseSeverity("critical")
	assert.Error(t, err)
}

func TestVerdictNormalize(t *testing.T) {
	assert.Equal(t, Verdict{Allowed: true, Reason: ReasonOK, Severity: SeverityNone},
		Verdict{Allowed: true, Severity: SeverityHigh, FilteredContent: "x"}.Normalize())

	v := Verdict{Allowed: false}.Normalize()
	assert.Equal(t, SeverityLow, v.Severity)
	assert.NotEmpty(t, v.Reason)

	assert.Equal(t, Verdict{Allowed: true, Reason: ReasonServiceUnavailable, Severity: SeverityNone}, FailOpen(""))
}

func TestValidateContent(t *testing.T) {
	assert.NoError(t, ValidateContent("hello everyone", 0))
	assert.ErrorIs(t, ValidateContent("   ", 0), ErrValidation)

	long := make([]rune, MaxContentLength+1)
	for i := range long {
		long[i] = 'é'
	}
	assert.ErrorIs(t, ValidateContent(string(long), 0), ErrValidation)
	assert.NoError(t, ValidateContent(string(long[:MaxContentLength]), 0))
}

func TestMessageBefore(t *testing.T) {
	t0 := time.Now()
	a := Message{ID: uuid.New(), CreatedAt: t0}
	b := Message{ID: uuid.New(), CreatedAt: t0.Add(time.Millisecond)}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
}
