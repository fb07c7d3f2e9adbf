package http

import (
	"net/http"

	"github.com/dkeye/Relief/internal/adapters/rtc"
	"github.com/dkeye/Relief/internal/app"
	"github.com/dkeye/Relief/internal/app/orch"
	"github.com/dkeye/Relief/internal/domain"
	"github.com/gin-gonic/gin"
)

type handlers struct {
	orch       *orch.Orchestrator
	iceServers []string
}

type HealthResponse struct {
	Status string `json:"status"`
	app.Stats
	ActiveCalls int `json:"activeCalls"`
}

type PresenceResponse struct {
	UserID      domain.UserID `json:"userId"`
	Online      bool          `json:"online"`
	Connections int           `json:"connections"`
}

func (h *handlers) healthz(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Stats: h.orch.Registry.Stats()}
	if h.orch.Calls != nil {
		resp.ActiveCalls = len(h.orch.Calls.Active())
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) presence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.orch.Registry.Online()})
}

func (h *handlers) presenceOf(c *gin.Context) {
	user, err := domain.ParseUserID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := len(h.orch.Registry.ConnectionsFor(user))
	c.JSON(http.StatusOK, PresenceResponse{UserID: user, Online: n > 0, Connections: n})
}

func (h *handlers) iceServersList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": rtc.Configuration(h.iceServers).ICEServers})
}
