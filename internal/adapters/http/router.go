// Package http wires the gin router: the authenticated websocket
// endpoint and the small REST surface the dashboard polls.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/adapters/signal"
	"github.com/dialdesk/dialdesk/internal/app"
	"github.com/dialdesk/dialdesk/internal/auth"
	"github.com/dialdesk/dialdesk/internal/config"
)

// AuthMiddleware verifies the bearer credential once per connection and
// installs the resolved identity on the context.
func AuthMiddleware(gate auth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, err := auth.CredentialFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		id, err := gate.Authenticate(credential)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrUserSuspended) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "invalid credentials"})
			return
		}
		c.Set(signal.IdentityKey, id)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, gate auth.Gate, hub *app.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ctrl := signal.NewController(hub, cfg.ReadLimit, cfg.PingPeriod)

	api := r.Group("/api")
	api.Use(AuthMiddleware(gate))

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/presence", func(c *gin.Context) {
		id := c.MustGet(signal.IdentityKey).(auth.Identity)
		c.JSON(http.StatusOK, gin.H{"presence": hub.TeamPresence(id.UserID)})
	})

	return r
}
