package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"codeloop/internal/loop"
)

const (
	watchWriteWait = 10 * time.Second
	watchPongWait  = 60 * time.Second
	watchPingEvery = (watchPongWait * 9) / 10
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// watchMessage is one websocket frame: an event, then a final "done"
// frame carrying the run summary.
type watchMessage struct {
	Type  string      `json:"type"`
	Event *loop.Event `json:"event,omitempty"`
	Run   *RunInfo    `json:"run,omitempty"`
}

// handleWatch replays the run's events and streams new ones until the run
// ends or the client goes away.
func (h *handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	history, events, unsubscribe, err := h.Runs.Subscribe(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer unsubscribe()

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(watchPongWait)); err != nil {
		h.Logger.Warn("watch set read deadline failed", "run_id", runID, "err", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	// The reader only handles control frames and notices a closed client.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg watchMessage) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
			return false
		}
		return conn.WriteJSON(msg) == nil
	}
	for i := range history {
		if !send(watchMessage{Type: "event", Event: &history[i]}) {
			return
		}
	}

	ticker := time.NewTicker(watchPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if info, found := h.Runs.Get(runID); found {
					send(watchMessage{Type: "done", Run: &info})
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(watchWriteWait))
				return
			}
			if !send(watchMessage{Type: "event", Event: &ev}) {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(watchWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
