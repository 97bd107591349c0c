package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/auth"
	"github.com/dialdesk/dialdesk/internal/protocol"
)

func (ctl *Controller) handleOffer(id auth.Identity, c *wsConn, data []byte) {
	var msg protocol.Offer
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		ctl.sendJSON(c, protocol.NewError(protocol.CodeBadPayload, "malformed offer"))
		return
	}
	ctl.Hub.HandleOffer(id.UserID, id.OrgID, msg)
}

func (ctl *Controller) handleAnswer(id auth.Identity, c *wsConn, data []byte) {
	var msg protocol.Answer
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		ctl.sendJSON(c, protocol.NewError(protocol.CodeBadPayload, "malformed answer"))
		return
	}
	ctl.Hub.HandleAnswer(id.UserID, msg)
}

func (ctl *Controller) handleIceCandidate(id auth.Identity, data []byte) {
	var msg protocol.ICECandidate
	if err := json.Unmarshal(data, &msg); err != nil {
		// relay messages fail silently; existence of a session is
		// never leaked to an unauthorized party
		log.Debug().Err(err).Str("module", "signal").Msg("bad candidate payload, dropped")
		return
	}
	ctl.Hub.HandleIceCandidate(id.UserID, msg)
}

func (ctl *Controller) handleEnded(id auth.Identity, data []byte) {
	var msg protocol.Ended
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("bad ended payload, dropped")
		return
	}
	ctl.Hub.HandleEnded(id.UserID, msg)
}

func (ctl *Controller) handleHold(id auth.Identity, data []byte) {
	var msg protocol.Hold
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("bad hold payload, dropped")
		return
	}
	ctl.Hub.HandleHold(id.UserID, msg)
}
