// Package signal is the websocket adapter for the hub: it upgrades
// authenticated connections, pumps frames in both directions, and
// dispatches inbound protocol messages to the hub's operations.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"

	"github.com/dialdesk/dialdesk/internal/app"
	"github.com/dialdesk/dialdesk/internal/auth"
	"github.com/dialdesk/dialdesk/internal/core"
)

// IdentityKey is the gin context key under which the router's auth
// middleware installs the verified auth.Identity.
const IdentityKey = "identity"

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Hub        *app.Hub
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(hub *app.Hub, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{Hub: hub, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

// wsConn adapts one gorilla connection to core.SignalConnection. Sends
// go through a buffered channel so TrySend never blocks the hub.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and attaches the connection to the
// hub. Authentication already happened in the router middleware.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	identity := c.MustGet(IdentityKey).(auth.Identity)
	log.Info().Str("module", "signal").Str("user", string(identity.UserID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	connID := ksuid.New().String()
	ctl.Hub.Attach(identity.UserID, connID, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, identity, connID, conn)
}
