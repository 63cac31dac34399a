package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/automod"
	"github.com/pixelarcade/chat/internal/chat"
	"github.com/pixelarcade/chat/internal/memstore"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/pixelarcade/chat/internal/moderation"
	"github.com/pixelarcade/chat/internal/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type denyAll struct{}

func (denyAll) Allow(context.Context, uuid.UUID) bool { return false }

type recorder struct {
	mu     sync.Mutex
	frames map[uuid.UUID][]models.WSMessage
}

func (r *recorder) SendToUser(userID uuid.UUID, message any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[uuid.UUID][]models.WSMessage)
	}
	r.frames[userID] = append(r.frames[userID], message.(models.WSMessage))
	return nil
}

type fixture struct {
	store *memstore.Store
	gate  *automod.Gate
	mod   *moderation.Service
	svc   *chat.Service
}

func newFixture(t *testing.T, o oracle.Oracle, opts chat.Options) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := memstore.New()
	gate := automod.NewGate(o, s, s, automod.Config{Timeout: time.Second}, logger)
	mod := moderation.NewService(s, s, uuid.New(), logger)
	svc := chat.NewService(s, s, s, gate, mod, opts, logger)
	return &fixture{store: s, gate: gate, mod: mod, svc: svc}
}

func (f *fixture) user(t *testing.T, name string, role models.Role) *models.Profile {
	t.Helper()
	p := &models.Profile{ID: uuid.New(), DisplayName: name, Role: role}
	require.NoError(t, f.store.EnsureProfile(t.Context(), p))
	return p
}

func allowAll() oracle.Oracle {
	return oracle.Func(func(context.Context, oracle.Request) (models.Verdict, error) {
		return models.Verdict{Allowed: true, Reason: models.ReasonOK}, nil
	})
}

func TestSendGlobalPersistsThenModerates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oracle.NewWordlistOracle([]string{"noob"}), chat.Options{})
	alice := f.user(t, "alice", models.RoleUser)

	ok, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "gg all"})
	require.NoError(t, err)
	bad, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "you noob"})
	require.NoError(t, err)
	assert.False(t, bad.IsDeleted)
	f.gate.Wait()

	got, err := f.store.GetByID(t.Context(), ok.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDeleted)

	got, err = f.store.GetByID(t.Context(), bad.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, models.RedactedContent, got.Content)
}

func TestSendGlobalRejects(t *testing.T) {
	t.Parallel()

	t.Run("empty content", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, allowAll(), chat.Options{})
		alice := f.user(t, "alice", models.RoleUser)

		_, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "   "})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "content", verr.Field)
	})

	t.Run("content too long", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, allowAll(), chat.Options{MaxContentLength: 5})
		alice := f.user(t, "alice", models.RoleUser)

		_, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "toolong"})
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("missing reply target", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, allowAll(), chat.Options{})
		alice := f.user(t, "alice", models.RoleUser)
		missing := uuid.New()

		_, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "re", ReplyToID: &missing})
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "reply_to_id", verr.Field)
	})

	t.Run("suspended author", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, allowAll(), chat.Options{})
		alice := f.user(t, "alice", models.RoleUser)
		mod := f.user(t, "mod", models.RoleModerator)

		_, err := f.mod.ApplyAction(t.Context(), moderation.ActionRequest{
			TargetUserID: alice.ID,
			ActorID:      mod.ID,
			Action:       models.ActionBan,
			Reason:       "griefing",
		})
		require.NoError(t, err)

		_, err = f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "hi"})
		assert.ErrorIs(t, err, models.ErrSuspended)
		assert.ErrorContains(t, err, "griefing")

		recent, err := f.store.Recent(t.Context(), 10)
		require.NoError(t, err)
		assert.Empty(t, recent)
	})

	t.Run("rate limited", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, allowAll(), chat.Options{Limiter: denyAll{}})
		alice := f.user(t, "alice", models.RoleUser)

		_, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "hi"})
		assert.ErrorIs(t, err, models.ErrRateLimited)
	})

	t.Run("insert failure is never moderated", func(t *testing.T) {
		t.Parallel()
		calls := 0
		o := oracle.Func(func(context.Context, oracle.Request) (models.Verdict, error) {
			calls++
			return models.Verdict{Allowed: true, Reason: models.ReasonOK}, nil
		})
		f := newFixture(t, o, chat.Options{})
		alice := f.user(t, "alice", models.RoleUser)
		f.store.SetFailure(memstore.OpInsert, assert.AnError)

		_, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "hi"})
		assert.ErrorIs(t, err, assert.AnError)
		f.gate.Wait()
		assert.Zero(t, calls)
	})
}

func TestSendGlobalSpamTimesOutAuthor(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)
	s := memstore.New()
	gate := automod.NewGate(allowAll(), s, s, automod.Config{Timeout: time.Second}, logger)
	mod := moderation.NewService(s, s, uuid.New(), logger)
	svc := chat.NewService(s, s, s, gate, mod, chat.Options{Spam: moderation.NewSpamGuard(mod, logger)}, logger)

	alice := &models.Profile{ID: uuid.New(), DisplayName: "alice", Role: models.RoleUser}
	require.NoError(t, s.EnsureProfile(t.Context(), alice))

	for range 2 {
		_, err := svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "buy gold"})
		require.NoError(t, err)
	}
	third, err := svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "buy gold"})
	require.NoError(t, err)
	assert.True(t, third.IsDeleted)
	gate.Wait()

	state, err := mod.BanState(t.Context(), alice.ID)
	require.NoError(t, err)
	assert.True(t, state.IsSuspended)

	_, err = svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "hello?"})
	assert.ErrorIs(t, err, models.ErrSuspended)
}

func TestSendDirect(t *testing.T) {
	t.Parallel()

	t.Run("benign is stored and pushed to both parties", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, allowAll(), chat.Options{})
		rec := &recorder{}
		f.svc.SetNotifier(rec)
		alice := f.user(t, "alice", models.RoleUser)
		bob := f.user(t, "bob", models.RoleUser)

		dm, err := f.svc.SendDirect(t.Context(), alice.ID, bob.ID, "wanna duel?")
		require.NoError(t, err)
		assert.Equal(t, "wanna duel?", dm.Content)

		for _, uid := range []uuid.UUID{alice.ID, bob.ID} {
			require.Len(t, rec.frames[uid], 1)
			assert.Equal(t, models.EventDirectNew, rec.frames[uid][0].Event)
		}

		list, err := f.svc.Conversation(t.Context(), bob.ID, alice.ID, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, dm.ID, list[0].ID)
	})

	t.Run("medium severity is stored filtered", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, oracle.NewWordlistOracle([]string{"noob"}), chat.Options{})
		alice := f.user(t, "alice", models.RoleUser)
		bob := f.user(t, "bob", models.RoleUser)

		dm, err := f.svc.SendDirect(t.Context(), alice.ID, bob.ID, "you noob")
		require.NoError(t, err)
		assert.Equal(t, "you ****", dm.Content)
	})

	t.Run("high severity is never stored", func(t *testing.T) {
		t.Parallel()
		deny := oracle.Func(func(context.Context, oracle.Request) (models.Verdict, error) {
			return models.Verdict{Allowed: false, Reason: "threat", Severity: models.SeverityHigh}, nil
		})
		f := newFixture(t, deny, chat.Options{})
		alice := f.user(t, "alice", models.RoleUser)
		bob := f.user(t, "bob", models.RoleUser)

		_, err := f.svc.SendDirect(t.Context(), alice.ID, bob.ID, "i will find you")
		assert.ErrorIs(t, err, models.ErrContentRejected)
		assert.ErrorContains(t, err, "threat")

		list, err := f.svc.Conversation(t.Context(), alice.ID, bob.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, list)
		require.Len(t, f.store.AutomodRecords(), 1)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, allowAll(), chat.Options{})
		alice := f.user(t, "alice", models.RoleUser)

		_, err := f.svc.SendDirect(t.Context(), alice.ID, uuid.New(), "hi")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("self", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, allowAll(), chat.Options{})
		alice := f.user(t, "alice", models.RoleUser)

		_, err := f.svc.SendDirect(t.Context(), alice.ID, alice.ID, "hi")
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestDeletePermissions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, allowAll(), chat.Options{})
	alice := f.user(t, "alice", models.RoleUser)
	bob := f.user(t, "bob", models.RoleUser)
	mod := f.user(t, "mod", models.RoleModerator)

	first, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "one"})
	require.NoError(t, err)
	second, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "two"})
	require.NoError(t, err)
	f.gate.Wait()

	_, err = f.svc.Delete(t.Context(), bob, first.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	deleted, err := f.svc.Delete(t.Context(), alice, first.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, "one", deleted.Content)

	deleted, err = f.svc.Delete(t.Context(), mod, second.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)

	_, err = f.svc.Delete(t.Context(), mod, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecentRendersEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, allowAll(), chat.Options{})
	alice := f.user(t, "alice", models.RoleUser)
	bob := f.user(t, "bob", models.RoleUser)

	root, err := f.svc.SendGlobal(t.Context(), alice.ID, models.SendMessageRequest{Content: "anyone up for ranked?"})
	require.NoError(t, err)
	_, err = f.svc.SendGlobal(t.Context(), bob.ID, models.SendMessageRequest{Content: "me", ReplyToID: &root.ID})
	require.NoError(t, err)
	f.gate.Wait()
	_, err = f.svc.Delete(t.Context(), alice, root.ID)
	require.NoError(t, err)

	entries, err := f.svc.Recent(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "alice", entries[0].AuthorName)
	assert.Equal(t, models.DeletedPlaceholder, entries[0].Content)
	assert.Equal(t, "bob", entries[1].AuthorName)
	require.NotNil(t, entries[1].Reply)
	assert.Equal(t, models.DeletedPlaceholder, entries[1].Reply.Content)
	assert.True(t, entries[1].Reply.IsDeleted)
}
