package handlers

import (
	"net/http"

	"forma/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

// StreamHandler exposes live run events over a websocket. Clients joining
// after the run started receive the replay buffer first.
type StreamHandler struct {
	hub    *services.RunStreamHub
	logger *logrus.Logger
}

func NewStreamHandler(hub *services.RunStreamHub, logger *logrus.Logger) *StreamHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &StreamHandler{hub: hub, logger: logger}
}

// StreamRunEvents GET /runs/:id/events
func (h *StreamHandler) StreamRunEvents(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid run id", Message: err.Error()})
		return
	}

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("run stream: upgrade: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := h.hub.Subscribe(runID)
	defer cancel()

	// Reader goroutine only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// The hub never closes the channel; this loop ends on run_finished or on
	// the client going away.
	for {
		select {
		case <-closed:
			return
		case evt := <-events:
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			if evt.Type == "run_finished" {
				return
			}
		}
	}
}

// RegisterStreamRoutes 注册路由
func RegisterStreamRoutes(r *gin.RouterGroup, handler *StreamHandler) {
	r.GET("/runs/:id/events", handler.StreamRunEvents)
}
