package app

import (
	"time"

	"github.com/dialdesk/dialdesk/internal/domain"
)

// callSession is the per-call in-memory state object. It is owned by the
// hub and mutated only under the hub lock; the first transition to reach
// CONNECTED or a terminal state wins, and the loser's message becomes a
// no-op against an already-transitioned session.
type callSession struct {
	ID     domain.CallID
	Caller domain.UserID
	Callee domain.UserID
	Org    domain.OrgID
	Media  domain.Media

	State       domain.CallState
	EndReason   domain.EndReason
	CreatedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time

	// statuses to restore when the call terminates
	callerPrev domain.Status
	calleePrev domain.Status

	ringTimer *time.Timer
}

func newCallSession(id domain.CallID, caller, callee domain.UserID, org domain.OrgID, media domain.Media, now time.Time) *callSession {
	return &callSession{
		ID:        id,
		Caller:    caller,
		Callee:    callee,
		Org:       org,
		Media:     media,
		State:     domain.CallCalling,
		CreatedAt: now,
	}
}

func (s *callSession) terminal() bool { return s.State.Terminal() }

func (s *callSession) involves(uid domain.UserID) bool {
	return uid == s.Caller || uid == s.Callee
}

// other returns the opposite participant, or "" if uid is not a party.
func (s *callSession) other(uid domain.UserID) domain.UserID {
	switch uid {
	case s.Caller:
		return s.Callee
	case s.Callee:
		return s.Caller
	}
	return ""
}

// ring marks the offer as delivered to the callee.
func (s *callSession) ring() bool {
	if s.State != domain.CallCalling {
		return false
	}
	s.State = domain.CallRinging
	return true
}

// connect transitions CALLING/RINGING -> CONNECTED.
func (s *callSession) connect(now time.Time) bool {
	if s.State != domain.CallCalling && s.State != domain.CallRinging {
		return false
	}
	s.State = domain.CallConnected
	s.ConnectedAt = now
	return true
}

// end transitions any non-terminal state -> ENDED.
func (s *callSession) end(reason domain.EndReason, now time.Time) bool {
	if s.terminal() {
		return false
	}
	s.State = domain.CallEnded
	s.EndReason = reason
	s.EndedAt = now
	return true
}

// fail transitions any non-terminal state -> FAILED.
func (s *callSession) fail(reason domain.EndReason, now time.Time) bool {
	if s.terminal() {
		return false
	}
	s.State = domain.CallFailed
	s.EndReason = reason
	s.EndedAt = now
	return true
}

// record snapshots the session into its persisted shape.
func (s *callSession) record() domain.CallRecord {
	rec := domain.CallRecord{
		CallID:    s.ID,
		CallerID:  s.Caller,
		CalleeID:  s.Callee,
		OrgID:     s.Org,
		Media:     s.Media,
		State:     s.State,
		EndReason: s.EndReason,
		CreatedAt: s.CreatedAt,
	}
	if !s.ConnectedAt.IsZero() {
		t := s.ConnectedAt
		rec.ConnectedAt = &t
	}
	if !s.EndedAt.IsZero() {
		t := s.EndedAt
		rec.EndedAt = &t
	}
	return rec
}
