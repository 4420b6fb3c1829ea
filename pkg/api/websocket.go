package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/orchestrix/pipeline/pkg/pipeline/store"
)

// progressMessage is pushed down a GET /pipelines/:id/stream connection
// every push interval until the pipeline reaches its done/cancelled/failed
// stage or the client disconnects.
type progressMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

const (
	progressMessageUpdate = "progress"
	progressMessageDone   = "done"
	progressMessageError  = "error"

	progressPushInterval = 2 * time.Second
	clientWriteTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ProgressHub tracks every open progress-stream connection so Stop can close
// them during graceful shutdown; unlike a broadcast hub, each connection
// independently polls the store for the one pipeline it was opened for.
type ProgressHub struct {
	pipelines *store.PipelineStore
	logger    *slog.Logger

	register   chan *progressClient
	unregister chan *progressClient
	clients    map[*progressClient]bool

	shutdown chan struct{}
}

type progressClient struct {
	id         string
	pipelineID string
	conn       *websocket.Conn
}

// NewProgressHub builds a ProgressHub reading pipeline state from pipelines.
func NewProgressHub(pipelines *store.PipelineStore, logger *slog.Logger) *ProgressHub {
	return &ProgressHub{
		pipelines:  pipelines,
		logger:     logger,
		register:   make(chan *progressClient),
		unregister: make(chan *progressClient),
		clients:    make(map[*progressClient]bool),
		shutdown:   make(chan struct{}),
	}
}

// Run tracks client registration until ctx is cancelled or Stop is called.
func (h *ProgressHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
		}
	}
}

// Stop closes every open connection.
func (h *ProgressHub) Stop() {
	close(h.shutdown)
	for c := range h.clients {
		c.conn.Close()
	}
}

// streamPipelineHandler implements GET /pipelines/:id/stream.
func (s *Server) streamPipelineHandler(c *gin.Context) {
	pipelineID := c.Param("id")
	if _, err := s.pipelines.Load(c.Request.Context(), pipelineID); err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &progressClient{id: uuid.New().String(), pipelineID: pipelineID, conn: conn}
	s.hub.register <- client
	go s.pushProgress(client)
}

// pushProgress polls the pipeline row on a fixed cadence and writes its
// progress document to the client until it reaches a terminal stage, the
// client goes away, or the write itself fails.
func (s *Server) pushProgress(client *progressClient) {
	defer func() { s.hub.unregister <- client }()

	ticker := time.NewTicker(progressPushInterval)
	defer ticker.Stop()

	for range ticker.C {
		p, err := s.pipelines.Load(context.Background(), client.pipelineID)
		if err != nil {
			s.writeProgressMessage(client, progressMessage{
				Type: progressMessageError, Timestamp: time.Now(), Error: err.Error(),
			})
			return
		}

		msgType := progressMessageUpdate
		terminal := p.CurrentStage == "done" || p.Status == "failed" || p.Status == "cancelled"
		if terminal {
			msgType = progressMessageDone
		}

		if err := s.writeProgressMessage(client, progressMessage{
			Type: msgType, Timestamp: time.Now(), Data: p,
		}); err != nil {
			return
		}
		if terminal {
			return
		}
	}
}

func (s *Server) writeProgressMessage(client *progressClient, msg progressMessage) error {
	client.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return client.conn.WriteJSON(msg)
}
