// Package registry is the single shared record of who is online and which
// room each online user occupies.
//
// A username is a member of at most one room, and it is online exactly when
// it occupies a room. Membership only changes through EnterRoom and
// RemoveUser. Every method takes the registry lock once and returns copies,
// so callers never perform I/O while the lock is held.
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/protocol"
)

// Lobby is the home room. It exists from startup and is never deleted.
const Lobby = "lobby"

// Conn is the delivery side of a connection. Send must not block.
type Conn interface {
	Send(msg *protocol.Envelope) bool
}

// Recipient pairs a username with the connection its pushes go to.
type Recipient struct {
	Username string
	Conn     Conn
}

// RoomError is a business rule violation, reported back to the requester.
type RoomError struct {
	Reason string
}

func (e *RoomError) Error() string {
	return e.Reason
}

func roomErrorf(format string, args ...any) *RoomError {
	return &RoomError{Reason: fmt.Sprintf(format, args...)}
}

type Registry struct {
	users database.UserStore

	mu sync.Mutex
	// rooms holds each room's members in arrival order.
	rooms map[string][]string
	// where maps an online username to the room it occupies.
	where  map[string]string
	online map[string]Conn
}

func New(users database.UserStore) *Registry {
	return &Registry{
		users:  users,
		rooms:  map[string][]string{Lobby: {}},
		where:  make(map[string]string),
		online: make(map[string]Conn),
	}
}

// IsRegistered, Register and Verify go straight to the UserStore, which is
// safe for concurrent use on its own.

func (r *Registry) IsRegistered(ctx context.Context, username string) (bool, error) {
	return r.users.IsRegistered(ctx, username)
}

func (r *Registry) Register(ctx context.Context, username, secret string) error {
	return r.users.Register(ctx, username, secret)
}

func (r *Registry) Verify(ctx context.Context, username, secret string) (bool, error) {
	return r.users.Verify(ctx, username, secret)
}

// AddOnline records the connection of a user that has just logged in. It is
// followed by EnterRoom into the lobby.
func (r *Registry) AddOnline(username string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.online[username]; ok {
		return roomErrorf("%s already logged in", username)
	}

	r.online[username] = conn
	return nil
}

// EnterRoom moves username from source to destination. An empty source means
// the user is not in any room yet.
func (r *Registry) EnterRoom(username, destination, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if source != "" {
		if _, ok := r.rooms[source]; !ok {
			return roomErrorf("room %s does not exist", source)
		}
	}

	members, ok := r.rooms[destination]
	if !ok {
		return roomErrorf("room %s does not exist", destination)
	}

	if slices.Contains(members, username) {
		return roomErrorf("%s already in %s", username, destination)
	}

	if _, ok := r.online[username]; !ok {
		return roomErrorf("%s is not online", username)
	}

	current, inRoom := r.where[username]
	switch {
	case source == "" && inRoom:
		return roomErrorf("%s already in %s", username, current)
	case source != "" && inRoom && current != source:
		return roomErrorf("%s not in %s", username, source)
	}

	if source != "" {
		r.removeMember(source, username)
	}
	r.rooms[destination] = append(members, username)
	r.where[username] = destination

	return nil
}

func (r *Registry) CreateRoom(name string) error {
	if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
		return roomErrorf("invalid room name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[name]; ok {
		return roomErrorf("%s already exists", name)
	}

	r.rooms[name] = []string{}
	return nil
}

// RemoveUser drops the user's presence and membership. It is safe to call
// repeatedly or with a room the user has already left.
func (r *Registry) RemoveUser(username, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.online, username)

	if room != "" {
		r.removeMember(room, username)
	}

	// presence and membership end together
	if current, ok := r.where[username]; ok {
		r.removeMember(current, username)
		delete(r.where, username)
	}
}

// removeMember must be called with r.mu held.
func (r *Registry) removeMember(room, username string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}

	if i := slices.Index(members, username); i >= 0 {
		r.rooms[room] = slices.Delete(members, i, i+1)
	}
}

func (r *Registry) RoomMembers(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[name]
	if !ok {
		return nil, roomErrorf("room %s does not exist", name)
	}

	return slices.Clone(members), nil
}

// RoomSnapshot lists every room when name is empty, otherwise only name.
func (r *Registry) RoomSnapshot(name string) (map[string][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return r.snapshot(), nil
	}

	members, ok := r.rooms[name]
	if !ok {
		return nil, roomErrorf("room %s does not exist", name)
	}

	return map[string][]string{name: slices.Clone(members)}, nil
}

// snapshot must be called with r.mu held.
func (r *Registry) snapshot() map[string][]string {
	out := make(map[string][]string, len(r.rooms))
	for name, members := range r.rooms {
		out[name] = slices.Clone(members)
	}
	return out
}

func (r *Registry) ConnectionOf(username string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.online[username]
	return conn, ok
}

// RoomOf returns the room an online user occupies.
func (r *Registry) RoomOf(username string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.where[username]
	return room, ok
}

// LobbyAudience returns the full room listing together with everyone in the
// lobby, read in one critical section.
func (r *Registry) LobbyAudience() (map[string][]string, []Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshot(), r.recipients(Lobby)
}

// RoomAudience returns a room's members and their connections.
func (r *Registry) RoomAudience(room string) ([]string, []Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil, nil, roomErrorf("room %s does not exist", room)
	}

	return slices.Clone(members), r.recipients(room), nil
}

// recipients must be called with r.mu held.
func (r *Registry) recipients(room string) []Recipient {
	members := r.rooms[room]
	out := make([]Recipient, 0, len(members))
	for _, username := range members {
		if conn, ok := r.online[username]; ok {
			out = append(out, Recipient{Username: username, Conn: conn})
		}
	}
	return out
}

// Counts reports the number of online users and rooms.
func (r *Registry) Counts() (online, rooms int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.online), len(r.rooms)
}
