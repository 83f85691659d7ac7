package http

import (
	"context"
	"net/http"

	"github.com/dkeye/roommesh/internal/adapters/signal"
	"github.com/dkeye/roommesh/internal/app/orch"
	"github.com/dkeye/roommesh/internal/config"
	"github.com/dkeye/roommesh/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SignalOptions(cfg config.RelayConfig) signal.Options {
	return signal.Options{
		SendBuffer:   cfg.SendBuffer,
		WriteWait:    cfg.WriteWait,
		PongWait:     cfg.PongWait,
		ReadLimit:    cfg.ReadLimit,
		RateLimit:    cfg.RateLimit,
		RateInterval: cfg.RateInterval,
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RoomMeshSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	ctrl := signal.NewSignalWSController(o, SignalOptions(cfg.Relay))
	api.GET("/ws/signal", func(c *gin.Context) {
		sess := sessions.Default(c)
		sess.Set("last_seen", c.GetString("client_token"))
		_ = sess.Save()
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})

	api.GET("/rooms/:id", func(c *gin.Context) {
		room, ok := o.Rooms.Get(domain.RoomID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":      room.Room().ID,
			"members": room.MembersSnapshot(),
		})
	})

	return r
}
