package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"havenmapper/internal/models"
)

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator UI only; the endpoint is not exposed publicly.
	CheckOrigin: func(*http.Request) bool { return true },
}

type progressFrame struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress int     `json:"progress"`
	Error    *string `json:"error,omitempty"`
}

// progressStream pushes generation status over a websocket until the run
// reaches a terminal state or the client goes away.
func (s *Server) progressStream(c *gin.Context) {
	id := c.Param("id")
	conn, err := progressUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastStatus, lastProgress := "", -1
	for {
		pm, err := s.catalog.GetPublicMap(c.Request.Context(), id)
		if err != nil {
			conn.WriteJSON(gin.H{"error": err.Error()})
			return
		}
		frame := progressFrame{
			ID:       pm.ID,
			Status:   pm.GenerationStatus,
			Progress: pm.GenerationProgress,
			Error:    pm.GenerationError,
		}
		if frame.Status != lastStatus || frame.Progress != lastProgress {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			lastStatus, lastProgress = frame.Status, frame.Progress
		}
		if frame.Status == models.GenerationCompleted || frame.Status == models.GenerationFailed {
			return
		}

		select {
		case <-ticker.C:
		case <-c.Request.Context().Done():
			return
		}
	}
}
