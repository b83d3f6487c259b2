package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Progress is read-only and carries no credentials, so any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and forwards the host's live events.
// With ?replay=N the last N stored operation events are sent first.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["host_id"]
	if _, err := s.store.GetHost(r.Context(), hostID); err != nil {
		s.writeError(w, r, err)
		return
	}

	var backlog []*engine.OperationEvent
	if n := queryIntParam(r, "replay"); n > 0 {
		var err error
		backlog, err = s.store.ListEvents(r.Context(), engine.EventFilter{HostID: hostID, Limit: n})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	// Subscribe before the upgrade so nothing published in between is lost.
	events, cancel := s.hub.Subscribe(hostID)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("host_id", hostID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("host_id", hostID).Logger()
	logger.Debug().Msg("progress subscriber connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("progress subscriber dropped")
				}
				return
			}
		}
	}()

	for _, e := range backlog {
		replayed := telemetry.Event{
			ID:        e.ID,
			HostID:    e.HostID,
			Type:      telemetry.EventTypeOperation,
			Timestamp: e.CreatedAt,
			Data:      e,
		}
		if err := writeEvent(conn, replayed); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := writeEvent(conn, event); err != nil {
				logger.Debug().Err(err).Msg("failed to write progress event")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			logger.Debug().Msg("progress subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event telemetry.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(event)
}

func (s *Server) eventHistory(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["host_id"]
	if _, err := s.store.GetHost(r.Context(), hostID); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), engine.EventFilter{
		HostID:     hostID,
		ResourceID: r.URL.Query().Get("resource_id"),
		RunID:      r.URL.Query().Get("run_id"),
		Limit:      queryLimit(r, 100),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
