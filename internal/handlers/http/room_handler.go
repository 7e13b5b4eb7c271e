package http

import (
	"net/http"

	"jamlink/internal/core/domain"
	"jamlink/internal/core/ports"
	apperrors "jamlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

// RoomHandler is the REST surface of the room registry. Joining and playing
// happen on the signaling socket; this only creates, inspects and deletes
// rooms.
type RoomHandler struct {
	roomService ports.RoomService
	presence    ports.PresenceService
}

func NewRoomHandler(roomService ports.RoomService, presence ports.PresenceService) *RoomHandler {
	return &RoomHandler{
		roomService: roomService,
		presence:    presence,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:slug", h.GetRoom)
		api.DELETE("/rooms/:slug", h.DeleteRoom)
		api.GET("/instruments", h.ListInstruments)
	}
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	room, err := h.roomService.CreateRoom(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": room})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	slug := domain.Slug(c.Param("slug"))

	room, err := h.roomService.GetRoom(c.Request.Context(), slug)
	if err != nil {
		h.renderError(c, err)
		return
	}

	peers, err := h.presence.Count(c.Request.Context(), slug)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": room, "peers": peers})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.ListRooms(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	slug := domain.Slug(c.Param("slug"))

	if err := h.roomService.DeleteRoom(c.Request.Context(), slug); err != nil {
		h.renderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) ListInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": domain.Instruments()})
}

func (h *RoomHandler) renderError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.FromDomain(err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}
