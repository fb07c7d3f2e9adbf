package http

import (
	"context"

	"github.com/dkeye/Relief/internal/adapters/signal"
	"github.com/dkeye/Relief/internal/app/orch"
	"github.com/dkeye/Relief/internal/auth"
	"github.com/dkeye/Relief/internal/config"
	"github.com/dkeye/Relief/internal/protocol"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Orch     *orch.Orchestrator
	Codec    *protocol.Codec
	Verifier auth.Verifier
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ReliefSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Str("auth", cfg.Auth.Mode).Msg("router setup")

	ctrl := signal.NewSignalWSController(deps.Orch, deps.Codec, signal.Options{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		SendBuffer:     cfg.WS.SendBuffer,
		RateLimit:      cfg.Rate.Limit,
		RateInterval:   cfg.Rate.Interval,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	})
	h := &handlers{orch: deps.Orch, iceServers: cfg.ICEServers}

	api := r.Group("/api")
	api.GET("/healthz", h.healthz)

	authed := api.Group("", IdentityMiddleware(deps.Verifier, cfg.Auth.Required))
	authed.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(signal.KeyClientToken)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})
	authed.GET("/presence", h.presence)
	authed.GET("/presence/:id", h.presenceOf)
	authed.GET("/ice-servers", h.iceServersList)

	return r
}
