package http

import (
	"net/http"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/monitoring"
	"meshroom/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoomHandler exposes the session lifecycle and room state over HTTP. The
// process hosts one local participant; the handler drives its single session.
type RoomHandler struct {
	session    ports.SessionService
	membership ports.MembershipService
	health     *monitoring.HealthChecker
	roomID     domain.RoomID
}

func NewRoomHandler(
	session ports.SessionService,
	membership ports.MembershipService,
	health *monitoring.HealthChecker,
	roomID domain.RoomID,
) *RoomHandler {
	return &RoomHandler{
		session:    session,
		membership: membership,
		health:     health,
		roomID:     roomID,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine, stateFeed *StateFeed, metricsEnabled bool) {
	api := router.Group("/api/v1")
	{
		api.GET("/room", h.GetRoom)
		api.GET("/participants", h.ListParticipants)
		api.GET("/peers", h.ListPeers)
		api.GET("/session", h.GetSession)
		api.POST("/session/join", h.JoinSession)
		api.POST("/session/leave", h.LeaveSession)
		api.POST("/session/toggle-audio", h.ToggleAudio)
		api.POST("/session/toggle-video", h.ToggleVideo)
		api.POST("/messages", h.SendMessage)
	}

	if stateFeed != nil {
		router.GET("/ws/state", stateFeed.Handle)
	}

	router.GET("/health", h.Health)
	if metricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.membership.GetRoom(c.Request.Context(), h.roomID)
	if err != nil {
		c.Error(errors.FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (h *RoomHandler) ListParticipants(c *gin.Context) {
	participants, err := h.membership.Participants(c.Request.Context(), h.roomID)
	if err != nil {
		c.Error(errors.FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (h *RoomHandler) ListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.session.Snapshot().Peers})
}

func (h *RoomHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *RoomHandler) JoinSession(c *gin.Context) {
	var req struct {
		RoomID domain.RoomID `json:"room_id"`
	}
	// body is optional; the configured room is the default
	_ = c.ShouldBindJSON(&req)
	roomID := req.RoomID
	if roomID == "" {
		roomID = h.roomID
	}

	if err := h.session.Join(c.Request.Context(), roomID); err != nil {
		c.Error(errors.FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *RoomHandler) LeaveSession(c *gin.Context) {
	if err := h.session.Leave(c.Request.Context()); err != nil {
		c.Error(errors.FromDomain(err))
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *RoomHandler) ToggleAudio(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"media": h.session.ToggleAudio()})
}

func (h *RoomHandler) ToggleVideo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"media": h.session.ToggleVideo()})
}

func (h *RoomHandler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.session.SendMessage(c.Request.Context(), req.Text); err != nil {
		c.Error(errors.FromDomain(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *RoomHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
