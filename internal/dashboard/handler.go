package dashboard

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/steveyegge/foldersync/internal/engine"
)

// Handler turns engine events into dashboard messages. Its Observe
// method is an engine.Observer.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{server: server, logger: logger}
}

// Observe broadcasts ev, followed by a fresh status snapshot when ev is
// a status change.
func (h *Handler) Observe(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeEvent, Timestamp: ev.Time, Data: data})

	if ev.Type == engine.EventSyncStatusChanged {
		h.broadcastStatus()
	}
}

func (h *Handler) broadcastStatus() {
	data, err := json.Marshal(h.server.Status())
	if err != nil {
		h.logger.Error("failed to marshal status", "error", err)
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: data})
}
