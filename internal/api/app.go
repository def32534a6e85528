// Package api serves the HTTP side of the chat server: health checks, room
// listings and a WebSocket transport for the chat protocol.
package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-roomchat/internal/config"
	"github.com/npezzotti/go-roomchat/internal/server"
)

type RoomChatApp struct {
	log            *log.Logger
	mux            *http.Server
	cs             *server.ChatServer
	allowedOrigins []string
	maxFrameSize   int
}

// NewRoomChatApp registers its routes on mux, which may already carry
// others such as the stats handler.
func NewRoomChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, cfg *config.Config) *RoomChatApp {
	s := &RoomChatApp{
		log:            logger,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
		maxFrameSize:   cfg.MaxFrameSize,
	}

	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /api/rooms", s.getRooms)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *RoomChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *RoomChatApp) Start() error {
	s.log.Printf("starting HTTP server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

// Serve is Start on an existing listener.
func (s *RoomChatApp) Serve(ln net.Listener) error {
	s.log.Printf("starting HTTP server on %s\n", ln.Addr())
	return s.mux.Serve(ln)
}

func (s *RoomChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
