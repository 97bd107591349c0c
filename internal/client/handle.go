package client

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/domain"
	"github.com/dialdesk/dialdesk/internal/protocol"
)

// HandleMessage processes one hub-originated message. Exported so the
// read loop and tests share the same entry point.
func (c *Controller) HandleMessage(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("bad server message")
		return
	}

	switch env.Type {
	case protocol.TypeOffer:
		c.onOffer(data)
	case protocol.TypeAnswer:
		c.onAnswer(data)
	case protocol.TypeICE:
		c.onCandidate(data)
	case protocol.TypeEnded:
		c.onEnded(data)
	case protocol.TypeHold:
		c.onHold(data)
	case protocol.TypePresence:
		c.onPresence(data)
	case protocol.TypeError:
		c.onServerError(data)
	case protocol.TypePong:
	default:
		log.Warn().Str("module", "client").Str("type", env.Type).Msg("unknown server message")
	}
}

func (c *Controller) onOffer(data []byte) {
	var msg protocol.Offer
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("bad offer")
		return
	}

	c.mu.Lock()
	if c.active != nil {
		// the hub enforces one non-terminal session per user; an offer
		// arriving mid-call is stale
		c.mu.Unlock()
		log.Warn().Str("module", "client").Str("call", msg.CallID).Msg("offer while busy, ignored")
		return
	}
	info := CallInfo{
		CallID: domain.CallID(msg.CallID),
		PeerID: domain.UserID(msg.From),
		Media:  domain.Media{Audio: msg.Metadata.Audio, Video: msg.Metadata.Video},
		State:  StateRinging,
	}
	c.active = &activeCall{info: info, offer: &msg}
	c.mu.Unlock()

	c.cfg.Handler.OnIncomingCall(info, msg.Metadata.DisplayName)
}

func (c *Controller) onAnswer(data []byte) {
	var msg protocol.Answer
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("bad answer")
		return
	}

	c.mu.Lock()
	active := c.active
	if active == nil || active.info.CallID != domain.CallID(msg.CallID) || active.info.State != StateCalling {
		c.mu.Unlock()
		log.Debug().Str("module", "client").Str("call", msg.CallID).Msg("stale answer, ignored")
		return
	}
	peer := active.peer
	active.info.State = StateConnected
	c.mu.Unlock()

	if peer != nil {
		if err := peer.AcceptAnswer(msg.Signal); err != nil {
			log.Error().Err(err).Str("module", "client").Str("call", msg.CallID).Msg("apply answer")
		}
	}
	c.cfg.Handler.OnCallConnected(domain.CallID(msg.CallID))
}

func (c *Controller) onCandidate(data []byte) {
	var msg protocol.ICECandidate
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad candidate")
		return
	}

	c.mu.Lock()
	active := c.active
	if active == nil || active.info.CallID != domain.CallID(msg.CallID) {
		c.mu.Unlock()
		return
	}
	peer := active.peer
	answered := active.answered
	c.mu.Unlock()

	if peer != nil {
		if err := peer.AddRemoteCandidate(msg.Candidate); err != nil {
			log.Debug().Err(err).Str("module", "client").Str("call", msg.CallID).Msg("add candidate")
		}
	}

	// a post-answer hub event for this call confirms the session: the
	// callee's mirror can leave RINGING
	if answered && c.promote(domain.CallID(msg.CallID)) {
		c.cfg.Handler.OnCallConnected(domain.CallID(msg.CallID))
	}
}

func (c *Controller) onEnded(data []byte) {
	var msg protocol.Ended
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("bad ended")
		return
	}
	callID := domain.CallID(msg.CallID)

	c.mu.Lock()
	known := c.active != nil && c.active.info.CallID == callID
	c.mu.Unlock()
	if !known {
		return
	}

	c.teardown(callID)
	c.cfg.Handler.OnCallEnded(callID, msg.Reason)
}

func (c *Controller) onHold(data []byte) {
	var msg protocol.Hold
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.cfg.Handler.OnPeerHold(domain.CallID(msg.CallID), msg.Hold)
}

func (c *Controller) onPresence(data []byte) {
	var msg protocol.PresenceUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	st, err := domain.ParseStatus(msg.Status)
	if err != nil {
		return
	}
	c.cfg.Handler.OnPresence(domain.UserID(msg.UserID), st)
}

func (c *Controller) onServerError(data []byte) {
	var msg protocol.Error
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Code {
	case protocol.CodeTargetNotFound, protocol.CodeTargetUnavailable, protocol.CodeTargetOffline, protocol.CodeNotAuthorized:
		// a failed call attempt: the optimistic CALLING mirror rolls back
		c.mu.Lock()
		var callID domain.CallID
		if c.active != nil && c.active.info.State == StateCalling {
			callID = c.active.info.CallID
		}
		c.mu.Unlock()
		if callID != "" {
			c.teardown(callID)
			c.cfg.Handler.OnCallFailed(callID, "could not reach user")
			return
		}
	}
	c.cfg.Handler.OnError(msg.Code, msg.Message)
}

// FailureMessage maps a terminal reason to the user-visible wording.
func FailureMessage(reason domain.EndReason) string {
	switch reason {
	case domain.ReasonNoAnswer:
		return "no answer"
	case domain.ReasonPeerDisconnected, domain.ReasonMediaError:
		return "call failed"
	case domain.ReasonOffline:
		return "could not reach user"
	case domain.ReasonRejected:
		return "call declined"
	default:
		return string(reason)
	}
}
