package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/core"
	"github.com/dialdesk/dialdesk/internal/domain"
)

type connEntry struct {
	ID     string
	Handle core.SignalConnection
}

// Registry is the presence registry: the authoritative map from user to
// live connection handle and availability status. It is owned exclusively
// by the hub; no operation blocks on network I/O while holding the lock.
type Registry struct {
	mu     sync.RWMutex
	conns  map[domain.UserID]*connEntry
	status map[domain.UserID]domain.Status
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[domain.UserID]*connEntry),
		status: make(map[domain.UserID]domain.Status),
	}
}

// Register installs or replaces the live connection for a user: the last
// connection wins. The replaced handle, if any, is returned so the caller
// can close it outside the lock. A user coming online from OFFLINE
// becomes AVAILABLE.
func (r *Registry) Register(uid domain.UserID, connID string, handle core.SignalConnection) (replaced core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.conns[uid]; ok {
		replaced = prev.Handle
	}
	r.conns[uid] = &connEntry{ID: connID, Handle: handle}
	if r.status[uid] == "" || r.status[uid] == domain.StatusOffline {
		r.status[uid] = domain.StatusAvailable
	}
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("conn", connID).Bool("replaced", replaced != nil).Msg("registered connection")
	return replaced
}

// Unregister removes the user's connection and sets status OFFLINE, but
// only if connID still identifies the live connection. A superseded
// connection closing late must not evict its successor.
func (r *Registry) Unregister(uid domain.UserID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[uid]
	if !ok || entry.ID != connID {
		return false
	}
	delete(r.conns, uid)
	r.status[uid] = domain.StatusOffline
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("conn", connID).Msg("unregistered connection")
	return true
}

// Lookup returns the user's current connection handle. Callers must look
// the handle up fresh at send time, never cache it.
func (r *Registry) Lookup(uid domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.conns[uid]; ok {
		return entry.Handle, true
	}
	return nil, false
}

// SetStatus updates a user's availability and returns the previous value
// so call termination can restore it.
func (r *Registry) SetStatus(uid domain.UserID, st domain.Status) (prev domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.status[uid]
	if prev == "" {
		prev = domain.StatusOffline
	}
	r.status[uid] = st
	log.Debug().Str("module", "app.registry").Str("user", string(uid)).Str("status", string(st)).Msg("status changed")
	return prev
}

// GetStatus defaults to OFFLINE for unknown users.
func (r *Registry) GetStatus(uid domain.UserID) domain.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.status[uid]; ok && st != "" {
		return st
	}
	return domain.StatusOffline
}

// Snapshot returns the status of each listed user.
func (r *Registry) Snapshot(uids []domain.UserID) map[domain.UserID]domain.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.UserID]domain.Status, len(uids))
	for _, uid := range uids {
		st, ok := r.status[uid]
		if !ok || st == "" {
			st = domain.StatusOffline
		}
		out[uid] = st
	}
	return out
}
