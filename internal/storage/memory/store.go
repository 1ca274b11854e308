package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
	"github.com/tjfontaine/conversion-relay/internal/core/ports"
)

// Store is an in-memory implementation of ports.SessionStore. Every
// conditional write runs inside one critical section under the write lock.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*domain.CorrelationSession
	events     map[string][]*domain.EventLogEntry
	deliveries map[string]*domain.DeliveryRecord
	seq        int64
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		sessions:   make(map[string]*domain.CorrelationSession),
		events:     make(map[string][]*domain.EventLogEntry),
		deliveries: make(map[string]*domain.DeliveryRecord),
	}
}

func (s *Store) CreateOrReplacePending(ctx context.Context, session *domain.CorrelationSession, entry *domain.EventLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	stored := cloneSession(session)
	if existing, ok := s.sessions[session.ID]; ok {
		switch {
		case existing.Status == domain.SessionCompleted:
			return false, ports.ErrAlreadyCompleted
		case existing.IsExpiredAt(session.UpdatedAt):
			return false, ports.ErrExpired
		}
		stored.CreatedAt = existing.CreatedAt
		stored.Revision = existing.Revision + 1
		replaced = true
	} else {
		stored.Revision = 1
	}
	stored.Status = domain.SessionPending
	stored.CompletionSnapshot = nil
	stored.MergedRecord = nil
	stored.CompletedAt = nil

	s.sessions[stored.ID] = stored
	s.appendLocked(entry)

	session.Revision = stored.Revision
	session.CreatedAt = stored.CreatedAt
	return replaced, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.CorrelationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ports.ErrNotFound)
	}
	return cloneSession(session), nil
}

func (s *Store) CompareAndComplete(ctx context.Context, params ports.CompleteParams) (*domain.CorrelationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[params.SessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", params.SessionID, ports.ErrNotFound)
	}
	switch {
	case session.Status == domain.SessionCompleted:
		return nil, ports.ErrAlreadyCompleted
	case session.IsExpiredAt(params.Now):
		return nil, ports.ErrExpired
	case session.Revision != params.ExpectedRevision:
		return nil, ports.ErrRevisionChanged
	}

	completedAt := params.Now
	next := cloneSession(session)
	next.Status = domain.SessionCompleted
	next.Revision++
	next.CompletionSnapshot = params.Completion
	next.MergedRecord = params.Merged
	next.CompletedAt = &completedAt
	next.UpdatedAt = params.Now

	s.sessions[next.ID] = next
	s.appendLocked(params.Entry)
	return cloneSession(next), nil
}

func (s *Store) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false, fmt.Errorf("session %s: %w", id, ports.ErrNotFound)
	}
	return s.expireLocked(session, now), nil
}

func (s *Store) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, session := range s.sessions {
		if s.expireLocked(session, now) {
			n++
		}
	}
	return n, nil
}

// expireLocked flips a pending session past its deadline. Callers hold mu.
func (s *Store) expireLocked(session *domain.CorrelationSession, now time.Time) bool {
	if session.Status != domain.SessionPending || now.Before(session.ExpiresAt) {
		return false
	}
	next := cloneSession(session)
	next.Status = domain.SessionExpired
	next.Revision++
	next.UpdatedAt = now
	s.sessions[next.ID] = next
	return true
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, session := range s.sessions {
		if !session.ExpiresAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		delete(s.events, id)
		delete(s.deliveries, id)
		n++
	}
	return n, nil
}

func (s *Store) ListEvents(ctx context.Context, id string) ([]*domain.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.events[id]
	result := make([]*domain.EventLogEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) RecordDelivery(ctx context.Context, rec *domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[rec.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", rec.SessionID, ports.ErrNotFound)
	}
	cp := *rec
	s.deliveries[rec.SessionID] = &cp
	return nil
}

func (s *Store) ClaimDelivery(ctx context.Context, rec *domain.DeliveryRecord, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[rec.SessionID]; !ok {
		return false, fmt.Errorf("session %s: %w", rec.SessionID, ports.ErrNotFound)
	}
	if cur, ok := s.deliveries[rec.SessionID]; ok {
		switch {
		case cur.Status == domain.DeliveryFailed:
		case cur.Status == domain.DeliveryQueued && cur.UpdatedAt.Before(staleBefore):
		default:
			return false, nil
		}
	}
	cp := *rec
	s.deliveries[rec.SessionID] = &cp
	return true, nil
}

func (s *Store) GetDelivery(ctx context.Context, sessionID string) (*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.deliveries[sessionID]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", sessionID, ports.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) appendLocked(entry *domain.EventLogEntry) {
	if entry == nil {
		return
	}
	s.seq++
	entry.Seq = s.seq
	cp := *entry
	s.events[entry.SessionID] = append(s.events[entry.SessionID], &cp)
}

// cloneSession copies the session header. Snapshots and the merged record
// are shared because they are never mutated after being stored.
func cloneSession(s *domain.CorrelationSession) *domain.CorrelationSession {
	cp := *s
	return &cp
}
