package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/auth"
	"github.com/dialdesk/dialdesk/internal/domain"
	"github.com/dialdesk/dialdesk/internal/protocol"
)

func (ctl *Controller) handlePresenceUpdate(id auth.Identity, c *wsConn, data []byte) {
	var msg protocol.PresenceUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad presence payload")
		ctl.sendJSON(c, protocol.NewError(protocol.CodeBadPayload, "malformed presence update"))
		return
	}
	st, err := domain.ParseStatus(msg.Status)
	if err != nil {
		ctl.sendJSON(c, protocol.NewError(protocol.CodeBadPayload, err.Error()))
		return
	}
	ctl.Hub.HandlePresenceUpdate(id.UserID, st)
}

func (ctl *Controller) handlePing(c *wsConn) {
	ctl.sendJSON(c, protocol.Envelope{Type: protocol.TypePong})
}
