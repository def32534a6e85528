package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeConn struct {
	name string
	sent atomic.Int32
}

func (c *fakeConn) Send(*protocol.Envelope) bool {
	c.sent.Add(1)
	return true
}

func newTestRegistry() *Registry {
	return New(database.NewMemoryUserStoreWithCost(bcrypt.MinCost))
}

// login mirrors what a session does after its credentials are verified.
func login(r *Registry, username string) error {
	if err := r.AddOnline(username, &fakeConn{name: username}); err != nil {
		return err
	}
	if err := r.EnterRoom(username, Lobby, ""); err != nil {
		r.RemoveUser(username, "")
		return err
	}
	return nil
}

// checkInvariant verifies that every online user sits in exactly one room
// and that nobody offline is left in a room.
func checkInvariant(t *testing.T, r *Registry) {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]string)
	total := 0
	for room, members := range r.rooms {
		for _, u := range members {
			if prev, dup := seen[u]; dup {
				t.Fatalf("%s is in both %s and %s", u, prev, room)
			}
			seen[u] = room
			total++
		}
	}

	assert.Equal(t, len(r.online), total, "expected membership count to equal online users")
	for u := range r.online {
		room, ok := seen[u]
		if !assert.Truef(t, ok, "online user %s is in no room", u) {
			continue
		}
		assert.Equalf(t, room, r.where[u], "expected index for %s to match membership", u)
	}
	assert.Len(t, r.where, total, "expected index to track every member")
}

func TestNew(t *testing.T) {
	r := newTestRegistry()

	snap, err := r.RoomSnapshot("")
	assert.NoError(t, err)
	assert.Equal(t, map[string][]string{Lobby: {}}, snap, "expected only the lobby at startup")
}

func TestAddOnline(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, login(r, "alice"))

	err := r.AddOnline("alice", &fakeConn{})
	var roomErr *RoomError
	assert.ErrorAs(t, err, &roomErr)
	assert.Equal(t, "alice already logged in", err.Error())
	checkInvariant(t, r)
}

func TestEnterRoom(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.CreateRoom("r1"))
	require.NoError(t, login(r, "alice"))

	tcases := []struct {
		name        string
		username    string
		destination string
		source      string
		err         string
	}{
		{name: "unknown source", username: "alice", destination: "r1", source: "nope", err: "room nope does not exist"},
		{name: "unknown destination", username: "alice", destination: "nope", source: Lobby, err: "room nope does not exist"},
		{name: "already present", username: "alice", destination: Lobby, source: Lobby, err: "alice already in lobby"},
		{name: "wrong source", username: "alice", destination: "r1", source: "r1", err: "alice not in r1"},
		{name: "no source while in a room", username: "alice", destination: "r1", err: "alice already in lobby"},
		{name: "not online", username: "bob", destination: "r1", source: Lobby, err: "bob is not online"},
		{name: "move", username: "alice", destination: "r1", source: Lobby},
		{name: "move back", username: "alice", destination: Lobby, source: "r1"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			before, _ := r.RoomSnapshot("")
			err := r.EnterRoom(tc.username, tc.destination, tc.source)
			if tc.err != "" {
				var roomErr *RoomError
				assert.ErrorAs(t, err, &roomErr)
				assert.Equal(t, tc.err, err.Error())
				after, _ := r.RoomSnapshot("")
				assert.Equal(t, before, after, "expected failed move to change nothing")
			} else {
				assert.NoError(t, err)
				room, ok := r.RoomOf(tc.username)
				assert.True(t, ok)
				assert.Equal(t, tc.destination, room)
			}
			checkInvariant(t, r)
		})
	}
}

func TestCreateRoom(t *testing.T) {
	r := newTestRegistry()

	assert.NoError(t, r.CreateRoom("r1"))
	assert.EqualError(t, r.CreateRoom("r1"), "r1 already exists")
	assert.EqualError(t, r.CreateRoom(Lobby), "lobby already exists")
	assert.Error(t, r.CreateRoom(""), "expected empty name to be rejected")
	assert.Error(t, r.CreateRoom("my room"), "expected whitespace to be rejected")
	assert.NoError(t, r.CreateRoom("R1"), "expected room names to be case-sensitive")

	members, err := r.RoomMembers("r1")
	assert.NoError(t, err)
	assert.Empty(t, members)
}

func TestRemoveUser_idempotent(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.CreateRoom("r1"))
	require.NoError(t, login(r, "alice"))
	require.NoError(t, login(r, "bob"))
	require.NoError(t, r.EnterRoom("bob", "r1", Lobby))

	r.RemoveUser("bob", "r1")
	once, _ := r.RoomSnapshot("")
	r.RemoveUser("bob", "r1")
	twice, _ := r.RoomSnapshot("")

	assert.Equal(t, once, twice, "expected second cleanup to change nothing")
	assert.Equal(t, map[string][]string{Lobby: {"alice"}, "r1": {}}, twice)
	_, ok := r.ConnectionOf("bob")
	assert.False(t, ok, "expected bob to be offline")
	checkInvariant(t, r)

	// a stale room argument still clears the real membership
	r.RemoveUser("alice", "r1")
	members, _ := r.RoomMembers(Lobby)
	assert.Empty(t, members)
	checkInvariant(t, r)
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, login(r, "alice"))

	members, err := r.RoomMembers(Lobby)
	require.NoError(t, err)
	members[0] = "mallory"

	snap, err := r.RoomSnapshot(Lobby)
	require.NoError(t, err)
	snap[Lobby][0] = "mallory"

	rooms, _ := r.LobbyAudience()
	rooms[Lobby][0] = "mallory"

	again, _ := r.RoomMembers(Lobby)
	assert.Equal(t, []string{"alice"}, again, "expected registry state to be unaffected by callers")
}

func TestRoomSnapshot(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.CreateRoom("r1"))
	require.NoError(t, login(r, "alice"))

	one, err := r.RoomSnapshot("r1")
	assert.NoError(t, err)
	assert.Equal(t, map[string][]string{"r1": {}}, one)

	_, err = r.RoomSnapshot("nope")
	assert.EqualError(t, err, "room nope does not exist")
}

func TestAudience(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.CreateRoom("r1"))
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, login(r, u))
	}
	require.NoError(t, r.EnterRoom("carol", "r1", Lobby))

	rooms, to := r.LobbyAudience()
	assert.Equal(t, map[string][]string{Lobby: {"alice", "bob"}, "r1": {"carol"}}, rooms)
	assert.Len(t, to, 2)
	assert.Equal(t, "alice", to[0].Username)
	assert.Equal(t, "bob", to[1].Username)

	members, to, err := r.RoomAudience("r1")
	assert.NoError(t, err)
	assert.Equal(t, []string{"carol"}, members)
	require.Len(t, to, 1)
	conn, _ := r.ConnectionOf("carol")
	assert.Same(t, conn, to[0].Conn)

	_, _, err = r.RoomAudience("nope")
	assert.Error(t, err)
}

func TestUserStoreDelegation(t *testing.T) {
	ctx := context.Background()
	users := &database.MockUserStore{}
	defer users.AssertExpectations(t)

	users.On("IsRegistered", ctx, "alice").Return(true, nil).Once()
	users.On("Register", ctx, "bob", "pw").Return(database.ErrUserExists).Once()
	users.On("Verify", ctx, "alice", mock.Anything).Return(false, nil).Once()

	r := New(users)

	ok, err := r.IsRegistered(ctx, "alice")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, r.Register(ctx, "bob", "pw"), database.ErrUserExists)
	ok, err = r.Verify(ctx, "alice", "wrong")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestInvariant_randomSequences(t *testing.T) {
	users := []string{"alice", "bob", "carol", "dave", "erin"}
	rooms := []string{Lobby, "r1", "r2", "r3"}

	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			r := newTestRegistry()

			for step := 0; step < 300; step++ {
				u := users[rng.Intn(len(users))]
				room := rooms[rng.Intn(len(rooms))]
				current, online := r.RoomOf(u)

				switch rng.Intn(5) {
				case 0:
					_ = login(r, u)
				case 1:
					_ = r.CreateRoom(room)
				case 2:
					if online {
						_ = r.EnterRoom(u, room, current)
					} else {
						_ = r.EnterRoom(u, room, Lobby)
					}
				case 3:
					_ = r.EnterRoom(u, Lobby, current)
				case 4:
					r.RemoveUser(u, current)
				}

				checkInvariant(t, r)
			}
		})
	}
}

func TestInvariant_concurrentEnterRoom(t *testing.T) {
	r := newTestRegistry()
	rooms := []string{Lobby, "r1", "r2", "r3"}
	for _, room := range rooms[1:] {
		require.NoError(t, r.CreateRoom(room))
	}

	const (
		sessions = 16
		moves    = 200
	)

	stop := make(chan struct{})
	checkerDone := make(chan struct{})
	go func() {
		defer close(checkerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}

			snap, _ := r.RoomSnapshot("")
			seen := make(map[string]bool)
			for _, members := range snap {
				for _, u := range members {
					if seen[u] {
						t.Errorf("%s observed in two rooms", u)
						return
					}
					seen[u] = true
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			username := fmt.Sprintf("user%d", i)
			rng := rand.New(rand.NewSource(int64(i)))

			if err := login(r, username); err != nil {
				t.Errorf("login %s: %v", username, err)
				return
			}

			current := Lobby
			for j := 0; j < moves; j++ {
				next := rooms[rng.Intn(len(rooms))]
				if err := r.EnterRoom(username, next, current); err == nil {
					current = next
				}
			}

			// a quarter of the users leave
			if i%4 == 0 {
				r.RemoveUser(username, current)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	<-checkerDone

	checkInvariant(t, r)
	online, _ := r.Counts()
	assert.Equal(t, sessions-sessions/4, online)
}
