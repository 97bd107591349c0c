package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/auth"
	"github.com/dialdesk/dialdesk/internal/protocol"
)

const writeDeadline = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	pingPeriod := ctl.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, id auth.Identity, connID string, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(id.UserID)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Hub.HandleDisconnect(id.UserID, connID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("user", string(id.UserID)).Msg("readPump read error")
				return
			}
			ctl.dispatch(id, c, data)
		}
	}
}

func (ctl *Controller) dispatch(id auth.Identity, c *wsConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(c, protocol.NewError(protocol.CodeBadPayload, "malformed message"))
		return
	}

	switch env.Type {
	case protocol.TypeOffer:
		ctl.handleOffer(id, c, data)
	case protocol.TypeAnswer:
		ctl.handleAnswer(id, c, data)
	case protocol.TypeICE:
		ctl.handleIceCandidate(id, data)
	case protocol.TypeEnded:
		ctl.handleEnded(id, data)
	case protocol.TypeHold:
		ctl.handleHold(id, data)
	case protocol.TypePresence:
		ctl.handlePresenceUpdate(id, c, data)
	case protocol.TypePing:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
