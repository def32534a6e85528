package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-roomchat/internal/protocol"
	"github.com/npezzotti/go-roomchat/internal/registry"
	"github.com/teris-io/shortid"
)

const writeWait = 10 * time.Second

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Client is one connection and the session running on it. Only the
// session's own goroutine touches state, username and room.
type Client struct {
	id   string
	conn io.ReadWriteCloser
	cs   *ChatServer
	log  *log.Logger

	send        chan *protocol.Envelope
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	flushed     chan struct{}
	cleanupOnce sync.Once

	state    State
	username string
	room     string
}

func NewClient(conn io.ReadWriteCloser, cs *ChatServer) *Client {
	id := shortid.MustGenerate()
	return &Client{
		id:    id,
		conn:  conn,
		cs:    cs,
		log:   log.New(cs.log.Writer(), fmt.Sprintf("%s[%s] ", cs.log.Prefix(), id), cs.log.Flags()),
		send:  make(chan *protocol.Envelope, cs.opts.SendQueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		state:   StateAuth,
	}
}

// Send queues msg for delivery without blocking. A connection whose queue is
// full is deactivated; its own read loop then runs the cleanup.
func (c *Client) Send(msg *protocol.Envelope) bool {
	select {
	case <-c.stop:
		return false
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.log.Println("send queue full, dropping connection")
		c.deactivate()
		return false
	}
}

// deactivate closes the connection, which unblocks both loops.
func (c *Client) deactivate() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if err := c.conn.Close(); err != nil {
			c.log.Printf("close connection: %v", err)
		}
	})
}

// writeLoop delivers queued messages until the connection is deactivated.
// Once the session is done it writes whatever is still queued and closes
// the connection.
func (c *Client) writeLoop() {
	defer close(c.flushed)
	defer c.deactivate()

	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-c.done:
			c.flush()
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		default:
			return
		}
	}
}

// write reports whether the connection is still usable.
func (c *Client) write(msg *protocol.Envelope) bool {
	if wd, ok := c.conn.(writeDeadliner); ok {
		wd.SetWriteDeadline(time.Now().Add(writeWait))
	}

	if err := protocol.WriteFrame(c.conn, msg); err != nil {
		if protocol.IsClosed(err) {
			c.log.Printf("write: %v", err)
			return false
		}
		c.log.Printf("failed to encode %s message: %v", msg.Type, err)
	}
	return true
}

// serve runs the state machine until the connection fails.
func (c *Client) serve() {
	go c.writeLoop()
	defer func() {
		c.cleanup()
		<-c.flushed
	}()

	for {
		if c.cs.opts.IdleTimeout > 0 {
			if rd, ok := c.conn.(readDeadliner); ok {
				rd.SetReadDeadline(time.Now().Add(c.cs.opts.IdleTimeout))
			}
		}

		payload, err := protocol.ReadFrame(c.conn, c.cs.opts.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				c.log.Printf("read frame: %v", err)
			}
			return
		}

		env, err := protocol.Decode(payload)
		if err != nil {
			c.log.Printf("ignoring malformed message: %v", err)
			continue
		}

		req, err := protocol.ParseRequest(env)
		if err != nil {
			c.log.Printf("ignoring %s request: %v", env.Type, err)
			continue
		}

		next := c.handle(c.state, req)
		if next != c.state {
			c.log.Printf("%s -> %s", c.state, next)
			c.state = next
			c.onEnter(next)
		}
	}
}

// cleanup releases everything the session holds in the registry and tells
// the affected rooms, then hands the connection to the writer to flush and
// close. It runs at most once.
func (c *Client) cleanup() {
	c.cleanupOnce.Do(func() {
		reg := c.cs.reg
		reg.RemoveUser(c.username, c.room)

		if c.username != "" {
			c.log.Printf("%s went offline", c.username)
			c.cs.stats.Decr(metricOnlineUsers)
			c.cs.broadcastLobby(nil)
			if c.room != "" && c.room != registry.Lobby {
				c.cs.broadcastRoom(c.room, nil)
			}
		}

		close(c.done)
	})
}
