package api

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
)

// frameHeaderSize is the length prefix carried in front of every payload.
const frameHeaderSize = 4

func (s *RoomChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *RoomChatApp) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getRooms lists every room and its members, or a single room with ?name=.
func (s *RoomChatApp) getRooms(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	rooms, err := s.cs.Registry().RoomSnapshot(name)
	if err != nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *RoomChatApp) checkOrigin(r *http.Request) bool {
	// only allow connections from allowed origins
	origin := r.Header.Get("Origin")
	if origin == "" {
		// if no origin header, allow the request
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades the request and runs a chat session over it. Each frame
// travels as one binary WebSocket message.
func (s *RoomChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if s.maxFrameSize > 0 {
		conn.SetReadLimit(int64(s.maxFrameSize + frameHeaderSize))
	}

	go s.cs.ServeConn(newWsStream(conn))
}
