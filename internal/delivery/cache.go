package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
)

const (
	// UnknownAuthor is shown when a profile cannot be resolved.
	UnknownAuthor = "unknown user"
	previewRunes  = 80
)

// Source is the read side of the message store a session needs.
type Source interface {
	Recent(ctx context.Context, limit int) ([]models.Message, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Message, error)
}

// Profiles resolves author display names.
type Profiles interface {
	GetProfiles(ctx context.Context, ids []uuid.UUID) ([]models.Profile, error)
}

// ReplyPreview is the rendered reference to a replied-to message.
type ReplyPreview struct {
	MessageID  uuid.UUID `json:"message_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	IsDeleted  bool      `json:"is_deleted"`
}

// MetadataCache holds the display metadata of one session: author names and
// every message seen, so reply previews resolve without refetching. It is
// created per session and reset when the session closes.
type MetadataCache struct {
	profiles Profiles
	source   Source

	mu       sync.RWMutex
	names    map[uuid.UUID]string
	messages map[uuid.UUID]models.Message
	// gone holds reply targets the store no longer has.
	gone map[uuid.UUID]struct{}
}

func NewMetadataCache(profiles Profiles, source Source) *MetadataCache {
	c := &MetadataCache{profiles: profiles, source: source}
	c.Reset()
	return c
}

// Reset drops everything cached.
func (c *MetadataCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = make(map[uuid.UUID]string)
	c.messages = make(map[uuid.UUID]models.Message)
	c.gone = make(map[uuid.UUID]struct{})
}

// Observe records the latest known version of msg. A deleted message is
// never replaced by a stale undeleted copy.
func (c *MetadataCache) Observe(msgs ...models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.observeLocked(m)
	}
}

func (c *MetadataCache) observeLocked(m models.Message) {
	if prev, ok := c.messages[m.ID]; ok && prev.IsDeleted && !m.IsDeleted {
		return
	}
	c.messages[m.ID] = m
	delete(c.gone, m.ID)
}

// Resolve fetches the reply targets and author names msgs need that are not
// cached yet. Messages themselves are observed first.
func (c *MetadataCache) Resolve(ctx context.Context, msgs []models.Message) error {
	c.Observe(msgs...)

	c.mu.RLock()
	var missingTargets []uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	for _, m := range msgs {
		if m.ReplyToID == nil {
			continue
		}
		id := *m.ReplyToID
		if _, ok := c.messages[id]; ok {
			continue
		}
		if _, ok := c.gone[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		missingTargets = append(missingTargets, id)
	}
	c.mu.RUnlock()

	if len(missingTargets) > 0 {
		targets, err := c.source.GetByIDs(ctx, missingTargets)
		if err != nil {
			return fmt.Errorf("failed to load reply targets: %w", err)
		}
		c.mu.Lock()
		found := make(map[uuid.UUID]struct{}, len(targets))
		for _, t := range targets {
			found[t.ID] = struct{}{}
			c.observeLocked(t)
		}
		for _, id := range missingTargets {
			if _, ok := found[id]; !ok {
				c.gone[id] = struct{}{}
			}
		}
		c.mu.Unlock()
	}

	return c.resolveNames(ctx, msgs, missingTargets)
}

func (c *MetadataCache) resolveNames(ctx context.Context, msgs []models.Message, targets []uuid.UUID) error {
	c.mu.RLock()
	var missing []uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	want := func(id uuid.UUID) {
		if _, ok := c.names[id]; ok {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	for _, m := range msgs {
		want(m.AuthorID)
	}
	for _, id := range targets {
		if t, ok := c.messages[id]; ok {
			want(t.AuthorID)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return nil
	}

	profiles, err := c.profiles.GetProfiles(ctx, missing)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range profiles {
		c.names[p.ID] = p.DisplayName
	}
	for _, id := range missing {
		if _, ok := c.names[id]; !ok {
			c.names[id] = UnknownAuthor
		}
	}
	return nil
}

// Name returns the display name of id, or UnknownAuthor.
func (c *MetadataCache) Name(id uuid.UUID) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.names[id]; ok {
		return n
	}
	return UnknownAuthor
}

// Preview renders the reply preview for target. Deleted or vanished targets
// degrade to the deleted placeholder.
func (c *MetadataCache) Preview(target uuid.UUID) *ReplyPreview {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.messages[target]
	if !ok || m.IsDeleted {
		p := &ReplyPreview{MessageID: target, Content: models.DeletedPlaceholder, IsDeleted: true}
		if ok {
			p.AuthorName = c.nameLocked(m.AuthorID)
		}
		return p
	}
	return &ReplyPreview{
		MessageID:  target,
		AuthorName: c.nameLocked(m.AuthorID),
		Content:    truncate(m.Content, previewRunes),
	}
}

func (c *MetadataCache) nameLocked(id uuid.UUID) string {
	if n, ok := c.names[id]; ok {
		return n
	}
	return UnknownAuthor
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
