// Package feed defines the realtime change-feed contract of the message store:
// subscribers receive the post-change row of every INSERT and UPDATE on a table.
// Delivery is not guaranteed across disconnects; consumers catch up by fetching.
package feed

import (
	"context"

	"github.com/pixelarcade/chat/internal/models"
)

// TableMessages is the global chat message table.
const TableMessages = "messages"

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	// EventAny subscribes to every event type.
	EventAny EventType = "*"
)

// Event carries the post-change row.
type Event struct {
	Type    EventType      `json:"type"`
	Table   string         `json:"table"`
	Message models.Message `json:"record"`
}

// Filter scopes a subscription by table and event type.
type Filter struct {
	Table string
	Type  EventType
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev Event) bool {
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	return f.Type == "" || f.Type == EventAny || f.Type == ev.Type
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription is a live stream of events. Events is closed when the transport
// is lost or the subscription is closed.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}
