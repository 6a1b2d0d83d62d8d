package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryCredentials is an in-process CredentialStore.
type MemoryCredentials struct {
	mu         sync.RWMutex
	byID       map[string]Principal
	byUsername map[string]string
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{
		byID:       make(map[string]Principal),
		byUsername: make(map[string]string),
	}
}

func (m *MemoryCredentials) Create(_ context.Context, p Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(p.Username)
	if _, ok := m.byUsername[key]; ok {
		return ErrConflict
	}
	if _, ok := m.byID[p.ID]; ok {
		return ErrConflict
	}
	m.byID[p.ID] = clonePrincipal(p)
	m.byUsername[key] = p.ID
	return nil
}

func (m *MemoryCredentials) Find(_ context.Context, id string) (Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (m *MemoryCredentials) FindByUsername(ctx context.Context, username string) (Principal, error) {
	m.mu.RLock()
	id, ok := m.byUsername[strings.ToLower(username)]
	m.mu.RUnlock()
	if !ok {
		return Principal{}, ErrNotFound
	}
	return m.Find(ctx, id)
}

func (m *MemoryCredentials) SetRoles(_ context.Context, id string, roles []string, at time.Time) error {
	return m.update(id, func(p *Principal) {
		p.Roles = slices.Clone(roles)
		p.UpdatedAt = at
	})
}

func (m *MemoryCredentials) SetPasswordHash(_ context.Context, id, hash string, at time.Time) error {
	return m.update(id, func(p *Principal) {
		p.PasswordHash = hash
		p.UpdatedAt = at
	})
}

func (m *MemoryCredentials) SetStatus(_ context.Context, id string, status Status, at time.Time) error {
	return m.update(id, func(p *Principal) {
		p.Status = status
		p.UpdatedAt = at
	})
}

func (m *MemoryCredentials) update(id string, fn func(*Principal)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&p)
	m.byID[id] = p
	return nil
}

func clonePrincipal(p Principal) Principal {
	p.Roles = slices.Clone(p.Roles)
	return p
}

// MemoryLedger is an in-process Ledger. A single mutex is the ordering
// point for all compare-and-set operations.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]LedgerEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]LedgerEntry)}
}

func (l *MemoryLedger) Record(_ context.Context, entry LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[entry.TokenID]; ok {
		return ErrConflict
	}
	l.entries[entry.TokenID] = cloneEntry(entry)
	return nil
}

func (l *MemoryLedger) Lookup(_ context.Context, tokenID string) (LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[tokenID]
	if !ok {
		return LedgerEntry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (l *MemoryLedger) Revoke(_ context.Context, tokenID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revokeLocked(tokenID, at)
}

func (l *MemoryLedger) Rotate(_ context.Context, oldID string, next LedgerEntry, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[next.TokenID]; ok {
		return ErrConflict
	}
	if err := l.revokeLocked(oldID, at); err != nil {
		return err
	}
	l.entries[next.TokenID] = cloneEntry(next)
	return nil
}

func (l *MemoryLedger) revokeLocked(tokenID string, at time.Time) error {
	e, ok := l.entries[tokenID]
	if !ok || e.Revoked() {
		return ErrConflict
	}
	e.RevokedAt = &at
	l.entries[tokenID] = e
	return nil
}

func (l *MemoryLedger) RevokeSubject(_ context.Context, subjectID string, at time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, e := range l.entries {
		if e.SubjectID != subjectID || e.Revoked() {
			continue
		}
		e.RevokedAt = &at
		l.entries[id] = e
		n++
	}
	return n, nil
}

func (l *MemoryLedger) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, e := range l.entries {
		if e.ExpiresAt.Before(before) {
			delete(l.entries, id)
			n++
		}
	}
	return n, nil
}

func cloneEntry(e LedgerEntry) LedgerEntry {
	if e.RevokedAt != nil {
		at := *e.RevokedAt
		e.RevokedAt = &at
	}
	return e
}
