// Package protocol models the signaling wire surface: the JSON envelope
// and the typed payload of every message exchanged between a client and
// the hub. It deliberately avoids depending on any WebRTC library type;
// negotiation blobs are relayed as opaque JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types, client <-> hub.
const (
	TypeOffer    = "call-offer"
	TypeAnswer   = "call-answer"
	TypeICE      = "ice-candidate"
	TypeEnded    = "call-ended"
	TypeHold     = "call-hold"
	TypePresence = "presence-update"
	TypeError    = "error"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Error codes carried by Error messages, hub -> originating client only.
const (
	CodeTargetNotFound    = "target_not_found"
	CodeTargetUnavailable = "target_unavailable"
	CodeTargetOffline     = "target_offline"
	CodeNotAuthorized     = "not_authorized"
	CodeBadPayload        = "bad_payload"
)

var (
	ErrMissingCallID = errors.New("protocol: missing callId")
	ErrMissingFrom   = errors.New("protocol: missing from")
	ErrMissingTo     = errors.New("protocol: missing to")
	ErrMissingSignal = errors.New("protocol: missing signal")
)

// Envelope is the minimal shape every message shares; adapters decode it
// first to dispatch on Type.
type Envelope struct {
	Type string `json:"type"`
}

// OfferMetadata describes the call being offered.
type OfferMetadata struct {
	Audio       bool   `json:"audio"`
	Video       bool   `json:"video"`
	DisplayName string `json:"displayName,omitempty"`
}

// Offer is sent by the caller and forwarded verbatim to the callee.
type Offer struct {
	Type     string          `json:"type"`
	CallID   string          `json:"callId"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Signal   json.RawMessage `json:"signal"`
	Metadata OfferMetadata   `json:"metadata"`
}

func (m Offer) Validate() error {
	if m.CallID == "" {
		return ErrMissingCallID
	}
	if m.From == "" {
		return ErrMissingFrom
	}
	if m.To == "" {
		return ErrMissingTo
	}
	if len(m.Signal) == 0 {
		return ErrMissingSignal
	}
	return nil
}

// Answer is sent by the callee and relayed to the caller.
type Answer struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId"`
	Signal json.RawMessage `json:"signal"`
}

func (m Answer) Validate() error {
	if m.CallID == "" {
		return ErrMissingCallID
	}
	if len(m.Signal) == 0 {
		return ErrMissingSignal
	}
	return nil
}

// ICECandidate is relayed between the two parties of an active call.
type ICECandidate struct {
	Type      string          `json:"type"`
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
	To        string          `json:"to"`
}

func (m ICECandidate) Validate() error {
	if m.CallID == "" {
		return ErrMissingCallID
	}
	if m.To == "" {
		return ErrMissingTo
	}
	if len(m.Candidate) == 0 {
		return errors.New("protocol: missing candidate")
	}
	return nil
}

// Ended terminates a call; the hub derives the authoritative reason from
// the sender's role and the session state.
type Ended struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

func (m Ended) Validate() error {
	if m.CallID == "" {
		return ErrMissingCallID
	}
	return nil
}

// Hold is a pure relay toggle; it never changes session state.
type Hold struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Hold   bool   `json:"hold"`
}

func (m Hold) Validate() error {
	if m.CallID == "" {
		return ErrMissingCallID
	}
	return nil
}

// PresenceUpdate is sent by a client to change its status; the hub fans
// it out to team members with UserID filled in.
type PresenceUpdate struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	Status string `json:"status"`
}

func (m PresenceUpdate) Validate() error {
	if m.Status == "" {
		return fmt.Errorf("protocol: missing status")
	}
	return nil
}

// Error is sent by the hub to the originating client only.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NewError builds an error message for a known code.
func NewError(code, message string) Error {
	return Error{Type: TypeError, Message: message, Code: code}
}
