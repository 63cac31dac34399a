package moderation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSpamGuardTimesOutRepeatedMessages(t *testing.T) {
	t.Parallel()
	svc, s, target := setup(t)
	guard := NewSpamGuard(svc, zaptest.NewLogger(t))

	now := time.Now()
	guard.now = func() time.Time { return now }

	msg := models.Message{ID: uuid.New(), AuthorID: target, Content: "free coins"}
	for i := range 2 {
		tripped, err := guard.Observe(t.Context(), msg)
		require.NoError(t, err)
		assert.False(t, tripped, "message %d", i)
		now = now.Add(time.Second)
	}

	tripped, err := guard.Observe(t.Context(), msg)
	require.NoError(t, err)
	assert.True(t, tripped)

	logs, err := s.LogsForUser(t.Context(), target)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ActionTimeout, logs[0].Action)
	assert.Equal(t, systemID, logs[0].ModeratorID)
	assert.Equal(t, SpamReason, logs[0].Reason)

	state, err := svc.BanState(t.Context(), target)
	require.NoError(t, err)
	assert.True(t, state.IsSuspended)
}

func TestSpamGuardIgnoresSpreadOutOrDifferentMessages(t *testing.T) {
	t.Parallel()
	svc, s, target := setup(t)
	guard := NewSpamGuard(svc, zaptest.NewLogger(t))

	now := time.Now()
	guard.now = func() time.Time { return now }

	for _, content := range []string{"gg", "gg", "wp", "gg"} {
		now = now.Add(6 * time.Second)
		tripped, err := guard.Observe(t.Context(), models.Message{ID: uuid.New(), AuthorID: target, Content: content})
		require.NoError(t, err)
		assert.False(t, tripped)
	}

	guard.Observe(t.Context(), models.Message{ID: uuid.New(), AuthorID: uuid.New(), Content: "gg"})

	logs, err := s.LogsForUser(t.Context(), target)
	require.NoError(t, err)
	assert.Empty(t, logs)

	now = now.Add(time.Minute)
	guard.Sweep()
	assert.Empty(t, guard.recent)
}
