package http

import (
	"net/http"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	apperrors "airwave/pkg/errors"
	"airwave/pkg/utils"
	"airwave/pkg/validation"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	session ports.SessionService
}

func NewSessionHandler(session ports.SessionService) *SessionHandler {
	return &SessionHandler{session: session}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/session", h.GetSession)
		api.POST("/broadcast/toggle", h.ToggleBroadcast)
		api.POST("/broadcasts/:id/join", h.JoinBroadcast)
		api.POST("/listening/leave", h.LeaveBroadcast)
		api.GET("/contacts", h.ListContacts)
		api.POST("/contacts/refresh", h.RefreshContacts)
	}
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	view, err := h.session.View(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *SessionHandler) ToggleBroadcast(c *gin.Context) {
	broadcasting, err := h.session.ToggleBroadcast(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"broadcasting": broadcasting})
}

func (h *SessionHandler) JoinBroadcast(c *gin.Context) {
	broadcasterID := c.Param("id")
	if err := validation.ValidateID(broadcasterID, "broadcaster id"); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("field", "id"))
		return
	}

	var req struct {
		DisplayName string        `json:"display_name" binding:"max=64"`
		RoomID      domain.RoomID `json:"room_id"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if req.RoomID != "" {
		if err := validation.ValidateID(string(req.RoomID), "room id"); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("field", "room_id"))
			return
		}
	}

	err := h.session.JoinBroadcast(c.Request.Context(), domain.ParticipantID(broadcasterID), utils.SanitizeString(req.DisplayName), req.RoomID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listening_to": broadcasterID})
}

func (h *SessionHandler) LeaveBroadcast(c *gin.Context) {
	if err := h.session.LeaveBroadcast(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ListContacts(c *gin.Context) {
	view, err := h.session.View(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contacts":  view.Contacts,
		"listeners": view.Listeners,
	})
}

func (h *SessionHandler) RefreshContacts(c *gin.Context) {
	if err := h.session.RefreshContacts(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	h.ListContacts(c)
}
