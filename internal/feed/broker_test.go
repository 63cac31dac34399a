package feed_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/feed"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFiltersByTableAndType(t *testing.T) {
	t.Parallel()
	b := feed.NewBroker(8)
	ctx := t.Context()

	all, err := b.Subscribe(ctx, feed.Filter{Table: feed.TableMessages, Type: feed.EventAny})
	require.NoError(t, err)
	updates, err := b.Subscribe(ctx, feed.Filter{Table: feed.TableMessages, Type: feed.EventUpdate})
	require.NoError(t, err)

	msg := models.Message{ID: uuid.New(), Content: "hi"}
	require.NoError(t, b.Publish(ctx, feed.Event{Type: feed.EventInsert, Table: feed.TableMessages, Message: msg}))
	require.NoError(t, b.Publish(ctx, feed.Event{Type: feed.EventUpdate, Table: feed.TableMessages, Message: msg}))
	require.NoError(t, b.Publish(ctx, feed.Event{Type: feed.EventInsert, Table: "direct_messages", Message: msg}))

	assert.Equal(t, feed.EventInsert, (<-all.Events()).Type)
	assert.Equal(t, feed.EventUpdate, (<-all.Events()).Type)
	assert.Equal(t, feed.EventUpdate, (<-updates.Events()).Type)

	select {
	case ev := <-all.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBrokerDisconnectClosesSubscriptions(t *testing.T) {
	t.Parallel()
	b := feed.NewBroker(8)

	sub, err := b.Subscribe(t.Context(), feed.Filter{Table: feed.TableMessages})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	b.Disconnect()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())
	assert.NoError(t, sub.Close())
}

func TestBrokerDropsOverflowingSubscriber(t *testing.T) {
	t.Parallel()
	b := feed.NewBroker(1)
	ctx := t.Context()

	slow, err := b.Subscribe(ctx, feed.Filter{Table: feed.TableMessages})
	require.NoError(t, err)

	msg := models.Message{ID: uuid.New(), Content: "hi"}
	require.NoError(t, b.Publish(ctx, feed.Event{Type: feed.EventInsert, Table: feed.TableMessages, Message: msg}))
	require.NoError(t, b.Publish(ctx, feed.Event{Type: feed.EventUpdate, Table: feed.TableMessages, Message: msg}))
	assert.Equal(t, 0, b.Subscribers())

	ev, open := <-slow.Events()
	require.True(t, open)
	assert.Equal(t, feed.EventInsert, ev.Type)

	_, open = <-slow.Events()
	assert.False(t, open)
	assert.NoError(t, slow.Close())
}
