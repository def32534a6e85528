package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/protocol"
	"github.com/npezzotti/go-roomchat/internal/registry"
	"github.com/npezzotti/go-roomchat/internal/stats"
)

const (
	metricConnections     = "Connections"
	metricOnlineUsers     = "OnlineUsers"
	metricRooms           = "Rooms"
	metricMessagesRelayed = "MessagesRelayed"
)

const defaultSendQueueSize = 256

var ErrServerClosed = errors.New("chat server closed")

type Options struct {
	// MaxFrameSize bounds incoming frames. Zero means protocol.DefaultMaxFrameSize.
	MaxFrameSize int
	// SendQueueSize is the number of outbound envelopes buffered per
	// connection before it is dropped as too slow.
	SendQueueSize int
	// IdleTimeout closes connections that send nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration
}

type ChatServer struct {
	log   *log.Logger
	reg   *registry.Registry
	stats stats.StatsProvider
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc

	clients     map[*Client]struct{}
	listeners   map[net.Listener]struct{}
	clientsLock sync.Mutex
	closed      bool
	wg          sync.WaitGroup
}

func NewChatServer(logger *log.Logger, users database.UserStore, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if users == nil {
		return nil, fmt.Errorf("user store cannot be nil")
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}

	su.RegisterMetric(metricConnections)
	su.RegisterMetric(metricOnlineUsers)
	su.RegisterMetric(metricRooms)
	su.RegisterMetric(metricMessagesRelayed)
	// the lobby
	su.Incr(metricRooms)

	ctx, cancel := context.WithCancel(context.Background())
	return &ChatServer{
		log:       logger,
		reg:       registry.New(users),
		stats:     su,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*Client]struct{}),
		listeners: make(map[net.Listener]struct{}),
	}, nil
}

// Registry exposes the shared room registry for read-only views such as the
// HTTP room listing.
func (cs *ChatServer) Registry() *registry.Registry {
	return cs.reg
}

// Serve accepts connections on ln until it is closed or the server shuts
// down, running one session per connection.
func (cs *ChatServer) Serve(ln net.Listener) error {
	cs.clientsLock.Lock()
	if cs.closed {
		cs.clientsLock.Unlock()
		return ErrServerClosed
	}
	cs.listeners[ln] = struct{}{}
	cs.clientsLock.Unlock()

	defer func() {
		cs.clientsLock.Lock()
		delete(cs.listeners, ln)
		cs.clientsLock.Unlock()
	}()

	cs.log.Printf("accepting chat connections on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		go cs.ServeConn(conn)
	}
}

// ServeConn runs a session on conn and returns once the session has ended
// and its cleanup has run. conn is closed on return.
func (cs *ChatServer) ServeConn(conn io.ReadWriteCloser) {
	c := NewClient(conn, cs)

	cs.clientsLock.Lock()
	if cs.closed {
		cs.clientsLock.Unlock()
		conn.Close()
		return
	}
	cs.clients[c] = struct{}{}
	cs.wg.Add(1)
	cs.clientsLock.Unlock()

	cs.stats.Incr(metricConnections)
	defer func() {
		cs.removeClient(c)
		cs.stats.Decr(metricConnections)
		cs.wg.Done()
	}()

	c.log.Println("session started")
	c.serve()
	c.log.Println("session ended")
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

// Shutdown stops accepting connections, closes every session and waits for
// their cleanup to finish or ctx to expire.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	cs.closed = true
	listeners := make([]net.Listener, 0, len(cs.listeners))
	for ln := range cs.listeners {
		listeners = append(listeners, ln)
	}
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			cs.log.Printf("close listener: %v", err)
		}
	}

	cs.cancel()
	for _, c := range clients {
		c.deactivate()
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}
