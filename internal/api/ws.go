package api

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 54 * time.Second
)

// wsStream presents a WebSocket connection as the byte stream a chat session
// reads frames from. Reads may span message boundaries; each Write is sent
// as one binary message.
type wsStream struct {
	conn   *websocket.Conn
	reader io.Reader

	stop      chan struct{}
	closeOnce sync.Once
}

func newWsStream(conn *websocket.Conn) *wsStream {
	s := &wsStream{
		conn: conn,
		stop: make(chan struct{}),
	}
	go s.keepalive()
	return s
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage && typ != websocket.TextMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// keepalive pings the peer so intermediaries keep the connection open.
func (s *wsStream) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}
