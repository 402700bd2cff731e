package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"calotrack/backend/internal/refreshtoken/domain"
)

// MemoryRepository is an in-process Repository for development and tests. Records do not
// survive a restart and are not shared between instances.
type MemoryRepository struct {
	mu        sync.RWMutex
	byID      map[string]*domain.RefreshToken
	bySubject map[int64]map[string]struct{}
	nowF      func() time.Time
}

// NewMemoryRepository returns an empty in-memory refresh token store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[string]*domain.RefreshToken),
		bySubject: make(map[int64]map[string]struct{}),
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a copy of t. The ID must be set and unused.
func (r *MemoryRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	if t.ID == "" {
		return errors.New("refresh token id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[t.ID]; exists {
		return errors.New("refresh token id already exists")
	}
	cp := *t
	r.byID[t.ID] = &cp
	ids, ok := r.bySubject[t.SubjectID]
	if !ok {
		ids = make(map[string]struct{})
		r.bySubject[t.SubjectID] = ids
	}
	ids[t.ID] = struct{}{}
	return nil
}

// FindActiveBySubject returns copies of the subject's unrevoked records expiring after now.
func (r *MemoryRepository) FindActiveBySubject(ctx context.Context, subjectID int64, now time.Time) ([]*domain.RefreshToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.RefreshToken
	for id := range r.bySubject[subjectID] {
		rec := r.byID[id]
		if rec.ActiveAt(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Revoke marks the record revoked. Unknown ids are ignored.
func (r *MemoryRepository) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok && rec.RevokedAt == nil {
		now := r.nowF()
		rec.RevokedAt = &now
	}
	return nil
}

// RevokeAllForSubject marks every unrevoked record of the subject revoked.
func (r *MemoryRepository) RevokeAllForSubject(ctx context.Context, subjectID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowF()
	for id := range r.bySubject[subjectID] {
		if rec := r.byID[id]; rec.RevokedAt == nil {
			revokedAt := now
			rec.RevokedAt = &revokedAt
		}
	}
	return nil
}

// Consume revokes the record if it is unrevoked and reports whether this call did so.
func (r *MemoryRepository) Consume(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok || rec.RevokedAt != nil {
		return false, nil
	}
	now := r.nowF()
	rec.RevokedAt = &now
	return true, nil
}

// DeleteExpired drops records that expired or were revoked before the cutoff.
func (r *MemoryRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.byID {
		if rec.ExpiresAt.Before(before) || (rec.RevokedAt != nil && rec.RevokedAt.Before(before)) {
			delete(r.byID, id)
			if ids := r.bySubject[rec.SubjectID]; ids != nil {
				delete(ids, id)
				if len(ids) == 0 {
					delete(r.bySubject, rec.SubjectID)
				}
			}
			n++
		}
	}
	return n, nil
}
