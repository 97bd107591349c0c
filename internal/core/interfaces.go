// Package core declares the interfaces shared between the hub, its
// adapters, and the external collaborators owned by the surrounding
// application.
package core

import (
	"context"
	"time"

	"github.com/dialdesk/dialdesk/internal/domain"
)

// Frame is a raw wire payload (one JSON-encoded protocol message).
type Frame []byte

// SignalConnection abstracts one client's messaging transport.
// Owned by the adapter; the adapter must Close() it. TrySend must never
// block: the hub calls it while holding its lock.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Directory is the membership/org lookup owned by the surrounding
// application. The hub uses it for call authorization and presence
// fan-out only.
type Directory interface {
	IsSameOrganization(a, b domain.UserID) bool
	TeamMembers(u domain.UserID) []domain.UserID
	IsActive(u domain.UserID) bool
}

// CallPatch carries the mutable fields of a call record. Nil/zero fields
// are left untouched by UpdateCallRecord.
type CallPatch struct {
	State       domain.CallState
	EndReason   domain.EndReason
	ConnectedAt *time.Time
	EndedAt     *time.Time
}

// CallStore is the append/patch-only session store. Implementations must
// never block signaling: failures are logged and retried, not surfaced.
type CallStore interface {
	CreateCallRecord(ctx context.Context, rec domain.CallRecord) error
	UpdateCallRecord(ctx context.Context, id domain.CallID, patch CallPatch) error
	Close() error
}
