package client

import (
	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/domain"
)

// LocalState mirrors the hub's view of the active call. It is advisory:
// the hub's state is the source of truth.
type LocalState string

const (
	StateIdle      LocalState = "idle"
	StateCalling   LocalState = "calling"
	StateRinging   LocalState = "ringing"
	StateConnected LocalState = "connected"
)

// CallInfo is a read-only snapshot of the local call mirror.
type CallInfo struct {
	CallID domain.CallID
	PeerID domain.UserID
	Media  domain.Media
	State  LocalState
}

// EventHandler receives hub-originated events. All callbacks run on the
// controller's read loop; implementations must not block.
type EventHandler interface {
	OnIncomingCall(call CallInfo, displayName string)
	OnCallConnected(callID domain.CallID)
	OnCallEnded(callID domain.CallID, reason string)
	OnCallFailed(callID domain.CallID, message string)
	OnPeerHold(callID domain.CallID, hold bool)
	OnPresence(user domain.UserID, status domain.Status)
	OnError(code, message string)
}

// DefaultEventHandler logs every event.
type DefaultEventHandler struct{}

func (DefaultEventHandler) OnIncomingCall(call CallInfo, displayName string) {
	log.Info().Str("module", "client").Str("call", string(call.CallID)).Str("from", displayName).Msg("incoming call")
}
func (DefaultEventHandler) OnCallConnected(callID domain.CallID) {
	log.Info().Str("module", "client").Str("call", string(callID)).Msg("call connected")
}
func (DefaultEventHandler) OnCallEnded(callID domain.CallID, reason string) {
	log.Info().Str("module", "client").Str("call", string(callID)).Str("reason", reason).Msg("call ended")
}
func (DefaultEventHandler) OnCallFailed(callID domain.CallID, message string) {
	log.Warn().Str("module", "client").Str("call", string(callID)).Str("message", message).Msg("call failed")
}
func (DefaultEventHandler) OnPeerHold(callID domain.CallID, hold bool) {
	log.Info().Str("module", "client").Str("call", string(callID)).Bool("hold", hold).Msg("peer hold")
}
func (DefaultEventHandler) OnPresence(user domain.UserID, status domain.Status) {
	log.Info().Str("module", "client").Str("user", string(user)).Str("status", string(status)).Msg("presence")
}
func (DefaultEventHandler) OnError(code, message string) {
	log.Warn().Str("module", "client").Str("code", code).Str("message", message).Msg("server error")
}
