// Package admin implements the focus process's admin HTTP surface: pinning
// a conference against idle-timeout eviction, and listing current pins.
// Handlers call only into internal/focus's ConferenceRegistry (C7); they
// never reach into a Conference's internals directly.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heliumvc/focus/internal/focus"
	"github.com/heliumvc/focus/internal/jid"
	"github.com/heliumvc/focus/internal/logging"
	"go.uber.org/zap"
)

// defaultPinTTL is used when a pin request omits ttl_seconds.
const defaultPinTTL = time.Hour

// maxPinTTL bounds an operator-supplied ttl_seconds so a typo can't pin a
// room indefinitely.
const maxPinTTL = 24 * time.Hour

// Handler exposes the pin/unpin/list-pins routes.
type Handler struct {
	registry *focus.ConferenceRegistry
}

// NewHandler builds a Handler over the process-wide conference registry.
func NewHandler(registry *focus.ConferenceRegistry) *Handler {
	return &Handler{registry: registry}
}

// Register mounts the admin routes under the given router group.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/conferences/:room", h.Join)
	r.POST("/conferences/:room/pin", h.Pin)
	r.DELETE("/conferences/:room/pin", h.Unpin)
	r.GET("/pins", h.ListPins)
}

// joinResponse reports the conference FindOrCreate returned or reused.
type joinResponse struct {
	Room      string `json:"room"`
	MeetingID string `json:"meeting_id"`
}

// Join handles POST /conferences/:room: finds the already-running
// conference for room, or builds and starts one over the registry's
// configured RoomFactory/BridgeManager (C6, started end-to-end). Returns
// 503 if no RoomFactory has been wired (ConferenceRegistry.
// ConfigureConferenceFactory was never called) rather than fabricating a
// room.
func (h *Handler) Join(c *gin.Context) {
	room, err := jid.Room(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room identifier"})
		return
	}

	ctx := c.Request.Context()
	conf, err := h.registry.FindOrCreate(ctx, room)
	if err != nil {
		logging.Error(ctx, "find-or-create conference failed", zap.String("room", room.String()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "conference unavailable: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, joinResponse{Room: room.String(), MeetingID: conf.MeetingID()})
}

// pinRequest is the POST /conferences/:room/pin body.
type pinRequest struct {
	Reason     string `json:"reason" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// pinResponse mirrors a registry.Pin back to the caller.
type pinResponse struct {
	Room      string    `json:"room"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Pin handles POST /conferences/:room/pin, marking a room pinned for the
// requested (bounded) duration.
func (h *Handler) Pin(c *gin.Context) {
	room, err := jid.Room(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room identifier"})
		return
	}

	var req pinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl := defaultPinTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl > maxPinTTL {
			ttl = maxPinTTL
		}
	}

	ctx := c.Request.Context()
	if err := h.registry.Pin(ctx, room, req.Reason, ttl); err != nil {
		logging.Error(ctx, "pin failed", zap.String("room", room.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pin conference"})
		return
	}

	c.JSON(http.StatusOK, pinResponse{
		Room:      room.String(),
		Reason:    req.Reason,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	})
}

// Unpin handles DELETE /conferences/:room/pin.
func (h *Handler) Unpin(c *gin.Context) {
	room, err := jid.Room(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room identifier"})
		return
	}

	ctx := c.Request.Context()
	if err := h.registry.Unpin(ctx, room); err != nil {
		logging.Error(ctx, "unpin failed", zap.String("room", room.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unpin conference"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ListPins handles GET /pins.
func (h *Handler) ListPins(c *gin.Context) {
	pins := h.registry.ListPins()
	out := make([]pinResponse, 0, len(pins))
	for _, p := range pins {
		out = append(out, pinResponse{Room: p.RoomJID, Reason: p.Reason, ExpiresAt: p.ExpiresAt.UTC()})
	}
	c.JSON(http.StatusOK, gin.H{"pins": out})
}
