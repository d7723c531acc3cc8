package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 2 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// liveFrame is one push on /ws
type liveFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// handleLive streams the pipeline state to a websocket client. A frame is
// sent whenever the display snapshot or the link status changes.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	// Reader: the client sends nothing useful, but reading processes
	// control frames and detects the close.
	closed := make(chan struct{})
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.LiveInterval)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var lastTicks uint64
	var lastLink time.Time
	first := true

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ticker.C:
			st := s.p.State()
			if !first && st.Display.Ticks == lastTicks && st.Link.Since.Equal(lastLink) {
				continue
			}
			first = false
			lastTicks, lastLink = st.Display.Ticks, st.Link.Since

			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(liveFrame{Type: "state", Data: st}); err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}
