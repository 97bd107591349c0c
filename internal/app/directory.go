package app

import (
	"sync"

	"github.com/dialdesk/dialdesk/internal/core"
	"github.com/dialdesk/dialdesk/internal/domain"
)

// MemoryDirectory is an in-memory implementation of the membership
// lookup. The surrounding application owns the real directory; this one
// is seeded from config and used in development and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[domain.UserID]domain.User
}

var _ core.Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory(users ...domain.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[domain.UserID]domain.User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *MemoryDirectory) Add(u domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *MemoryDirectory) IsActive(uid domain.UserID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[uid]
	return ok && !u.Suspended
}

func (d *MemoryDirectory) IsSameOrganization(a, b domain.UserID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ua, ok := d.users[a]
	if !ok {
		return false
	}
	ub, ok := d.users[b]
	return ok && ua.OrgID == ub.OrgID
}

// TeamMembers returns the active users sharing u's organization, u
// excluded.
func (d *MemoryDirectory) TeamMembers(uid domain.UserID) []domain.UserID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[uid]
	if !ok {
		return nil
	}
	var out []domain.UserID
	for id, other := range d.users {
		if id == uid || other.Suspended || other.OrgID != u.OrgID {
			continue
		}
		out = append(out, id)
	}
	return out
}
