package server

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-roomchat/internal/protocol"
	"github.com/npezzotti/go-roomchat/internal/registry"
	"github.com/npezzotti/go-roomchat/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufConn records what the writer sends and reports EOF to the reader.
type bufConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *bufConn) Read([]byte) (int, error) {
	return 0, io.EOF
}

func (c *bufConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.buf.Write(p)
}

func (c *bufConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *bufConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drain returns every envelope queued on c without blocking.
func drain(c *Client) []*protocol.Envelope {
	var out []*protocol.Envelope
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func newTestClient(t *testing.T, cs *ChatServer) (*Client, *bufConn) {
	conn := &bufConn{}
	return NewClient(conn, cs), conn
}

func TestNewClient(t *testing.T) {
	cs := newTestChatServer(t, newUserStore(t), &stats.MockStatsUpdater{}, Options{SendQueueSize: 3})
	c, _ := newTestClient(t, cs)

	assert.NotEmpty(t, c.id, "expected a session id")
	assert.Equal(t, 3, cap(c.send), "expected queue to use the configured size")
	assert.Equal(t, StateAuth, c.state, "expected sessions to start unauthenticated")
	assert.Contains(t, c.log.Prefix(), c.id, "expected the session id in the log prefix")
}

func TestClient_Send(t *testing.T) {
	t.Run("queues without blocking", func(t *testing.T) {
		cs := newTestChatServer(t, newUserStore(t), &stats.MockStatsUpdater{}, Options{SendQueueSize: 1})
		c, conn := newTestClient(t, cs)

		assert.True(t, c.Send(protocol.OK(protocol.TypeList, "", nil)))
		assert.Len(t, c.send, 1)
		assert.False(t, conn.isClosed())
	})

	t.Run("full queue deactivates", func(t *testing.T) {
		cs := newTestChatServer(t, newUserStore(t), &stats.MockStatsUpdater{}, Options{SendQueueSize: 1})
		c, conn := newTestClient(t, cs)

		c.send <- &protocol.Envelope{Type: protocol.TypeList} // pre-fill the queue
		assert.False(t, c.Send(protocol.OK(protocol.TypeList, "", nil)), "expected full queue to reject")
		assert.True(t, conn.isClosed(), "expected connection to be closed")

		select {
		case <-c.stop:
		default:
			t.Error("expected stop channel to be closed")
		}

		assert.False(t, c.Send(protocol.OK(protocol.TypeList, "", nil)), "expected stopped client to reject")
	})
}

func TestClient_deactivate(t *testing.T) {
	cs := newTestChatServer(t, newUserStore(t), &stats.MockStatsUpdater{}, Options{})
	c, conn := newTestClient(t, cs)

	c.deactivate()
	assert.NotPanics(t, c.deactivate, "expected deactivate to be idempotent")
	assert.True(t, conn.isClosed())
}

func TestClient_writeLoop(t *testing.T) {
	cs := newTestChatServer(t, newUserStore(t), &stats.MockStatsUpdater{}, Options{})
	c, conn := newTestClient(t, cs)

	want := []*protocol.Envelope{
		protocol.OK(protocol.TypeLogin, "", map[string]any{"username": "alice", "chatroom": "lobby"}),
		{},
		protocol.Error(protocol.TypeCreate, "r1 already exists"),
	}
	for _, msg := range want {
		require.True(t, c.Send(msg))
	}

	done := make(chan struct{})
	go func() {
		c.writeLoop()
		close(done)
	}()

	// the envelope without a type is dropped and the loop carries on
	var expected []byte
	for _, msg := range []*protocol.Envelope{want[0], want[2]} {
		frame, err := protocol.Encode(msg)
		require.NoError(t, err)
		expected = append(expected, frame...)
	}

	written := func() []byte {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return bytes.Clone(conn.buf.Bytes())
	}
	require.Eventually(t, func() bool {
		return len(written()) == len(expected)
	}, testWait, 10*time.Millisecond)

	c.deactivate()
	<-done
	assert.Equal(t, expected, written())
}

func TestClient_writeFailureDeactivates(t *testing.T) {
	cs := newTestChatServer(t, newUserStore(t), &stats.MockStatsUpdater{}, Options{})
	c, conn := newTestClient(t, cs)
	require.NoError(t, conn.Close())

	done := make(chan struct{})
	go func() {
		c.writeLoop()
		close(done)
	}()

	c.Send(protocol.OK(protocol.TypeList, "", nil))
	<-done

	select {
	case <-c.stop:
	default:
		t.Error("expected write failure to stop the client")
	}
}

func TestClient_cleanup(t *testing.T) {
	cs := newTestChatServer(t, newUserStore(t), &stats.MockStatsUpdater{}, Options{})
	reg := cs.Registry()
	require.NoError(t, reg.CreateRoom("r1"))

	alice, _ := newTestClient(t, cs)
	bob, bobConn := newTestClient(t, cs)
	carol, _ := newTestClient(t, cs)

	for _, s := range []struct {
		c    *Client
		name string
		room string
	}{
		{alice, "alice", "r1"},
		{bob, "bob", "r1"},
		{carol, "carol", registry.Lobby},
	} {
		require.NoError(t, reg.AddOnline(s.name, s.c))
		require.NoError(t, reg.EnterRoom(s.name, registry.Lobby, ""))
		if s.room != registry.Lobby {
			require.NoError(t, reg.EnterRoom(s.name, s.room, registry.Lobby))
		}
		s.c.username, s.c.room = s.name, s.room
	}

	go bob.writeLoop()
	bob.cleanup()
	once, _ := reg.RoomSnapshot("")
	bob.cleanup()
	twice, _ := reg.RoomSnapshot("")

	assert.Equal(t, once, twice, "expected a second cleanup to change nothing")
	assert.Equal(t, map[string][]string{registry.Lobby: {"carol"}, "r1": {"alice"}}, twice)
	<-bob.flushed
	assert.True(t, bobConn.isClosed(), "expected cleanup to close the connection")

	aliceGot := drain(alice)
	require.Len(t, aliceGot, 1, "expected one room listing for alice")
	assert.Equal(t, roomListing("r1", []string{"alice"}), aliceGot[0])

	carolGot := drain(carol)
	require.Len(t, carolGot, 1, "expected one lobby listing for carol")
	assert.Equal(t, lobbyListing(twice), carolGot[0])

	assert.Empty(t, drain(bob))
}

func TestClient_cleanupBeforeLogin(t *testing.T) {
	cs := newTestChatServer(t, newUserStore(t, "alice"), &stats.MockStatsUpdater{}, Options{})
	reg := cs.Registry()

	alice, _ := newTestClient(t, cs)
	require.Equal(t, StateLobby, alice.handle(StateAuth, protocol.LoginRequest{Username: "alice", Password: "pw-alice"}))

	// a session that never logged in owns nothing
	stranger, conn := newTestClient(t, cs)
	go stranger.writeLoop()
	stranger.cleanup()
	<-stranger.flushed

	assert.True(t, conn.isClosed())
	_, ok := reg.ConnectionOf("alice")
	assert.True(t, ok, "expected other sessions to be untouched")

	_, err := reg.RoomMembers(registry.Lobby)
	assert.NoError(t, err)
}

func TestClient_cleanupFlushesQueue(t *testing.T) {
	cs := newTestChatServer(t, newUserStore(t), &stats.MockStatsUpdater{}, Options{})
	c, conn := newTestClient(t, cs)

	queued := []*protocol.Envelope{
		protocol.OK(protocol.TypeLogin, "", map[string]any{"username": "alice", "chatroom": "lobby"}),
		protocol.OK(protocol.TypeCreate, "", map[string]any{"room": "r1"}),
	}
	var expected []byte
	for _, msg := range queued {
		require.True(t, c.Send(msg))
		frame, err := protocol.Encode(msg)
		require.NoError(t, err)
		expected = append(expected, frame...)
	}

	// queue before the writer starts so the flush path does the writing
	c.cleanup()
	assert.False(t, c.Send(protocol.OK(protocol.TypeList, "", nil)), "expected a finished session to reject new messages")

	go c.writeLoop()
	select {
	case <-c.flushed:
	case <-time.After(testWait):
		t.Fatal("timed out waiting for the writer to finish")
	}

	assert.True(t, conn.isClosed(), "expected the connection to be closed after the flush")
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, expected, conn.buf.Bytes())
}
