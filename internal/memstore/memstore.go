// Package memstore is an in-memory implementation of every store contract.
// It backs STORE=memory local runs and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/models"
)

// Operation names accepted by SetFailure.
const (
	OpInsert           = "Insert"
	OpInsertDirect     = "InsertDirect"
	OpRedact           = "Redact"
	OpSoftDelete       = "SoftDelete"
	OpAppendLog        = "AppendLog"
	OpAddAutomodRecord = "AddAutomodRecord"
	OpSetBanState      = "SetBanState"
	OpGetProfiles      = "GetProfiles"
)

type Store struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]models.Message
	direct   []models.DirectMessage
	profiles map[uuid.UUID]models.Profile
	logs     []models.ModerationLogEntry
	automod  []models.AutomodRecord
	failures map[string]error
	lastTime time.Time
	now      func() time.Time
}

func New() *Store {
	return &Store{
		messages: make(map[uuid.UUID]models.Message),
		profiles: make(map[uuid.UUID]models.Profile),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

// SetFailure makes op return err until cleared with a nil err.
func (s *Store) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) fail(op string) error {
	return s.failures[op]
}

// stamp returns a strictly increasing timestamp.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastTime) {
		t = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = t
	return t
}

// Messages

func (s *Store) Insert(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpInsert); err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = s.stamp()
	m.IsDeleted = false
	s.messages[m.ID] = *m
	return nil
}

// Put stores m verbatim, keeping its CreatedAt. Used to seed history.
func (s *Store) Put(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	if m.CreatedAt.After(s.lastTime) {
		s.lastTime = m.CreatedAt
	}
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &m, nil
}

func (s *Store) GetByIDs(_ context.Context, ids []uuid.UUID) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *Store) Recent(_ context.Context, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *Store) SoftDelete(_ context.Context, id uuid.UUID) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpSoftDelete); err != nil {
		return nil, false, err
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, false, models.ErrNotFound
	}
	if m.IsDeleted {
		return &m, false, nil
	}
	m.IsDeleted = true
	s.messages[id] = m
	return &m, true, nil
}

func (s *Store) Redact(_ context.Context, id uuid.UUID, replacement string) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpRedact); err != nil {
		return nil, false, err
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, false, models.ErrNotFound
	}
	if m.IsDeleted {
		return &m, false, nil
	}
	m.IsDeleted = true
	m.Content = replacement
	s.messages[id] = m
	return &m, true, nil
}

// Direct messages

func (s *Store) InsertDirect(_ context.Context, m *models.DirectMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpInsertDirect); err != nil {
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = s.stamp()
	s.direct = append(s.direct, *m)
	return nil
}

func (s *Store) ListDirect(_ context.Context, a, b uuid.UUID, limit int) ([]models.DirectMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := []models.DirectMessage{}
	for _, m := range s.direct {
		if (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a) {
			res = append(res, m)
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[len(res)-limit:]
	}
	return res, nil
}

// Profiles

func (s *Store) EnsureProfile(_ context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.profiles[p.ID]; ok {
		*p = existing
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	s.profiles[p.ID] = *p
	return nil
}

func (s *Store) GetProfile(_ context.Context, id uuid.UUID) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProfiles(_ context.Context, ids []uuid.UUID) ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.fail(OpGetProfiles); err != nil {
		return nil, err
	}
	res := make([]models.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			res = append(res, p)
		}
	}
	return res, nil
}

func (s *Store) SetBanState(_ context.Context, id uuid.UUID, state models.BanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpSetBanState); err != nil {
		return err
	}
	p, ok := s.profiles[id]
	if !ok {
		return models.ErrNotFound
	}
	p.Ban = state
	s.profiles[id] = p
	return nil
}

// Moderation

func (s *Store) AppendLog(_ context.Context, entry *models.ModerationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpAppendLog); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = s.stamp()
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *Store) LogsForUser(_ context.Context, userID uuid.UUID) ([]models.ModerationLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := []models.ModerationLogEntry{}
	for _, e := range s.logs {
		if e.TargetUserID == userID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (s *Store) AddAutomodRecord(_ context.Context, rec *models.AutomodRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(OpAddAutomodRecord); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = s.stamp()
	s.automod = append(s.automod, *rec)
	return nil
}

func (s *Store) AutomodRecordsForUser(_ context.Context, userID uuid.UUID, limit int) ([]models.AutomodRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := []models.AutomodRecord{}
	for i := len(s.automod) - 1; i >= 0; i-- {
		if s.automod[i].AuthorID == userID {
			res = append(res, s.automod[i])
			if limit > 0 && len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

// AutomodRecords returns every automod record, oldest first.
func (s *Store) AutomodRecords() []models.AutomodRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AutomodRecord(nil), s.automod...)
}
