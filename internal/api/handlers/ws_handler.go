package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	jobapp "github.com/forgeml/forge/internal/application/job"
	"github.com/forgeml/forge/internal/domain/job"
	"github.com/forgeml/forge/internal/providers"
	"github.com/forgeml/forge/pkg/response"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// How often the provider is polled for fresh log output.
	logPollPeriod = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler streams job logs over a websocket by polling the owning
// provider.
type WSHandler struct {
	svc    *jobapp.Service
	router *providers.Router
}

// NewWSHandler creates a new websocket handler.
func NewWSHandler(svc *jobapp.Service, router *providers.Router) *WSHandler {
	return &WSHandler{svc: svc, router: router}
}

// TailJobLogs upgrades the connection and forwards log output for the job
// until the peer disconnects or the job reaches a terminal state. Only the
// delta since the previous poll is sent.
func (h *WSHandler) TailJobLogs(c *gin.Context) {
	_, teamID, ok := identity(c)
	if !ok {
		return
	}
	j, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	providerName := j.JobData.String(job.DataProviderName)
	if providerName == "" {
		providerName = "local"
	}
	client, err := h.router.Resolve(c.Request.Context(), teamID, providerName)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Error: "websocket upgrade failed: " + err.Error()})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetReadLimit(512 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Reader loop only detects disconnects; clients send nothing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket read: %v", err)
				}
				return
			}
		}
	}()

	tail := 0
	if t := c.Query("tail"); t != "" {
		if n, err := strconv.Atoi(t); err == nil && n > 0 {
			tail = n
		}
	}
	req := providers.JobLogsRequest{
		ClusterName:   j.JobData.String(job.DataClusterName),
		ProviderJobID: j.JobData.String(job.DataProviderJobID),
		TailLines:     tail,
	}

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pollTicker := time.NewTicker(logPollPeriod)
	defer pollTicker.Stop()

	var sent int
	for {
		select {
		case <-pollTicker.C:
			logs, err := client.GetJobLogs(ctx, req)
			if err != nil {
				log.Printf("job %s: fetch logs: %v", j.ID, err)
				continue
			}
			if len(logs) > sent {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(logs[sent:])); err != nil {
					return
				}
				sent = len(logs)
			}
			cur, err := h.svc.Get(ctx, j.ID)
			if err == nil && cur.Status.IsTerminal() {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(cur.Status)))
				return
			}

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
