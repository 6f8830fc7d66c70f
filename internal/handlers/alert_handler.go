package handlers

import (
	"net/http"
	"strconv"
	"time"

	"paycore/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// AlertHandler exposes the operator alert queue: a REST listing plus a live
// WebSocket feed.
type AlertHandler struct {
	alerts   *services.AlertService
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewAlertHandler creates the alert handler.
func NewAlertHandler(alerts *services.AlertService, logger *logrus.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// List GET /api/v1/admin/alerts?limit=50
func (h *AlertHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	alerts, err := h.alerts.ListRecent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"alerts":  alerts,
	})
}

// Feed GET /api/v1/admin/alerts/feed — upgrades to a WebSocket that streams
// alerts as they are raised. The live feed is best-effort; the REST listing
// is the authoritative record.
func (h *AlertHandler) Feed(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithField("error", err.Error()).Warn("Alert feed upgrade failed")
		return
	}
	defer conn.Close()

	feed, cancel := h.alerts.Subscribe()
	defer cancel()

	h.logger.WithField("remote", conn.RemoteAddr().String()).Info("Alert feed connected")

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case alert, ok := <-feed:
			if !ok {
				return
			}
			if err := conn.WriteJSON(alert); err != nil {
				h.logger.WithField("error", err.Error()).Debug("Alert feed write failed, closing")
				return
			}
		}
	}
}
