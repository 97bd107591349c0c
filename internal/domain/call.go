package domain

import "time"

type CallID string

// CallState is the hub-authoritative state of one call attempt.
type CallState string

const (
	CallCalling   CallState = "calling"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
	CallFailed    CallState = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

// EndReason explains why a call reached a terminal state.
type EndReason string

const (
	ReasonRejected         EndReason = "rejected"
	ReasonCancelled        EndReason = "cancelled"
	ReasonNoAnswer         EndReason = "no_answer"
	ReasonUserEnded        EndReason = "user_ended"
	ReasonPeerDisconnected EndReason = "peer_disconnected"
	ReasonMediaError       EndReason = "media_error"
	ReasonOffline          EndReason = "offline"
)

// Media holds the call's media parameters, fixed at creation.
type Media struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// CallRecord is the persisted shape of a call session. It is written at
// creation and patched at terminal transitions; never read on the
// signaling hot path.
type CallRecord struct {
	CallID      CallID     `json:"call_id"`
	CallerID    UserID     `json:"caller_id"`
	CalleeID    UserID     `json:"callee_id"`
	OrgID       OrgID      `json:"org_id"`
	Media       Media      `json:"media"`
	State       CallState  `json:"state"`
	EndReason   EndReason  `json:"end_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Duration is the connected time of a completed call, zero if it never
// connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.ConnectedAt)
}
