package server

import (
	"errors"
	"fmt"
	"slices"

	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/protocol"
	"github.com/npezzotti/go-roomchat/internal/registry"
)

type State int

const (
	StateAuth State = iota
	StateLobby
	StateChat
)

func (s State) String() string {
	switch s {
	case StateAuth:
		return "auth"
	case StateLobby:
		return "lobby"
	case StateChat:
		return "chat"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AuthError is a rejected registration or login.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return e.Reason
}

var (
	errNotRegistered   = &AuthError{Reason: "User not registered"}
	errInvalidPassword = &AuthError{Reason: "Invalid password"}
	errMissingCreds    = &AuthError{Reason: "username and password are required"}
	errPasswordTooLong = &AuthError{Reason: "password too long"}
)

// handle applies one request in the given state and returns the next state.
// Requests that make no sense in a state are logged and leave it unchanged.
func (c *Client) handle(state State, req protocol.Request) State {
	switch state {
	case StateAuth:
		return c.handleAuth(req)
	case StateLobby:
		return c.handleLobby(req)
	case StateChat:
		return c.handleChat(req)
	default:
		c.log.Printf("unknown state %s", state)
		return state
	}
}

// onEnter pushes a fresh view of the state just entered.
func (c *Client) onEnter(state State) {
	switch state {
	case StateLobby:
		rooms, err := c.cs.reg.RoomSnapshot("")
		if err != nil {
			c.log.Printf("snapshot rooms: %v", err)
			return
		}
		c.Send(lobbyListing(rooms))
	case StateChat:
		members, err := c.cs.reg.RoomMembers(c.room)
		if err != nil {
			c.log.Printf("list members of %s: %v", c.room, err)
			return
		}
		c.Send(roomListing(c.room, members))
	}
}

func (c *Client) handleAuth(req protocol.Request) State {
	switch req := req.(type) {
	case protocol.RegisterRequest:
		if err := c.register(req); err != nil {
			c.replyError(req.Type(), err)
			return StateAuth
		}
		c.Send(protocol.OK(req.Type(), "registered", map[string]any{"username": req.Username}))
	case protocol.LoginRequest:
		if err := c.login(req); err != nil {
			c.replyError(req.Type(), err)
			return StateAuth
		}
		return StateLobby
	default:
		c.ignore(StateAuth, req)
	}

	return StateAuth
}

func (c *Client) register(req protocol.RegisterRequest) error {
	if req.Username == "" || req.Password == "" {
		return errMissingCreds
	}

	err := c.cs.reg.Register(c.cs.ctx, req.Username, req.Password)
	if errors.Is(err, database.ErrUserExists) {
		return &AuthError{Reason: fmt.Sprintf("username %s already in use", req.Username)}
	}
	if errors.Is(err, database.ErrPasswordTooLong) {
		return errPasswordTooLong
	}
	if err != nil {
		return fmt.Errorf("register %s: %w", req.Username, err)
	}

	c.log.Printf("registered %s", req.Username)
	return nil
}

func (c *Client) login(req protocol.LoginRequest) error {
	if req.Username == "" || req.Password == "" {
		return errMissingCreds
	}

	reg := c.cs.reg
	ok, err := reg.IsRegistered(c.cs.ctx, req.Username)
	if err != nil {
		return fmt.Errorf("look up %s: %w", req.Username, err)
	}
	if !ok {
		return errNotRegistered
	}

	ok, err = reg.Verify(c.cs.ctx, req.Username, req.Password)
	if err != nil {
		return fmt.Errorf("verify %s: %w", req.Username, err)
	}
	if !ok {
		return errInvalidPassword
	}

	if err := reg.AddOnline(req.Username, c); err != nil {
		return err
	}
	if err := reg.EnterRoom(req.Username, registry.Lobby, ""); err != nil {
		reg.RemoveUser(req.Username, "")
		return err
	}

	c.username, c.room = req.Username, registry.Lobby
	c.cs.stats.Incr(metricOnlineUsers)
	c.log.Printf("%s logged in", c.username)

	c.Send(protocol.OK(req.Type(), "", map[string]any{
		"username": c.username,
		"chatroom": registry.Lobby,
	}))
	c.cs.broadcastLobby(c)
	return nil
}

func (c *Client) handleLobby(req protocol.Request) State {
	reg := c.cs.reg

	switch req := req.(type) {
	case protocol.ListRequest:
		rooms, err := reg.RoomSnapshot("")
		if err != nil {
			c.replyError(req.Type(), err)
			break
		}
		c.Send(protocol.OK(req.Type(), "", map[string]any{"rooms": rooms}))

	case protocol.CreateRequest:
		if err := reg.CreateRoom(req.Room); err != nil {
			c.replyError(req.Type(), err)
			break
		}
		c.cs.stats.Incr(metricRooms)
		c.log.Printf("%s created room %s", c.username, req.Room)
		c.Send(protocol.OK(req.Type(), "", map[string]any{"room": req.Room}))
		c.cs.broadcastLobby(nil)

	case protocol.EnterRequest:
		if err := reg.EnterRoom(c.username, req.Room, registry.Lobby); err != nil {
			c.replyError(req.Type(), err)
			break
		}
		c.room = req.Room
		c.Send(protocol.OK(req.Type(), "", map[string]any{
			"username": c.username,
			"room":     c.room,
		}))
		c.cs.broadcastLobby(nil)
		c.cs.broadcastRoom(c.room, c)
		return StateChat

	case protocol.LogoutRequest:
		reg.RemoveUser(c.username, c.room)
		c.cs.stats.Decr(metricOnlineUsers)
		c.log.Printf("%s logged out", c.username)
		c.Send(protocol.OK(req.Type(), "", nil))
		c.cs.broadcastLobby(nil)
		c.username, c.room = "", ""
		return StateAuth

	default:
		c.ignore(StateLobby, req)
	}

	return StateLobby
}

func (c *Client) handleChat(req protocol.Request) State {
	reg := c.cs.reg

	switch req := req.(type) {
	case protocol.ListRequest:
		members, err := reg.RoomMembers(c.room)
		if err != nil {
			c.replyError(req.Type(), err)
			break
		}
		c.Send(protocol.OK(req.Type(), "", map[string]any{
			"room":    c.room,
			"members": members,
		}))

	case protocol.ExitRequest:
		if err := reg.EnterRoom(c.username, registry.Lobby, c.room); err != nil {
			c.replyError(req.Type(), err)
			break
		}
		old := c.room
		c.room = registry.Lobby
		c.Send(protocol.OK(req.Type(), "", map[string]any{
			"username": c.username,
			"room":     registry.Lobby,
		}))
		c.cs.broadcastRoom(old, nil)
		c.cs.broadcastLobby(c)
		return StateLobby

	case protocol.MsgRequest:
		if err := c.relay(req); err != nil {
			c.replyError(req.Type(), err)
		}

	default:
		c.ignore(StateChat, req)
	}

	return StateChat
}

// relay delivers a chat message. The sender is always the session's user,
// whatever the request claims.
func (c *Client) relay(req protocol.MsgRequest) error {
	reg := c.cs.reg
	msg := chatMessage(c.username, req.To, req.Text)

	if req.To == protocol.Public {
		_, to, err := reg.RoomAudience(c.room)
		if err != nil {
			return err
		}
		c.cs.fanOut(to, msg, nil)
		c.cs.stats.Incr(metricMessagesRelayed)
		return nil
	}

	members, err := reg.RoomMembers(c.room)
	if err != nil {
		return err
	}
	if !slices.Contains(members, req.To) {
		return &registry.RoomError{Reason: fmt.Sprintf("%s not in %s", req.To, c.room)}
	}

	conn, ok := reg.ConnectionOf(req.To)
	if !ok {
		return &registry.RoomError{Reason: "user not exists"}
	}

	conn.Send(msg)
	if req.To != c.username {
		c.Send(msg)
	}
	c.cs.stats.Incr(metricMessagesRelayed)
	return nil
}

// replyError turns err into an error response. Business rule failures are
// reported as is; anything else is logged and reported generically.
func (c *Client) replyError(typ string, err error) {
	var (
		authErr *AuthError
		roomErr *registry.RoomError
	)

	msg := err.Error()
	if !errors.As(err, &authErr) && !errors.As(err, &roomErr) {
		c.log.Printf("%s: %v", typ, err)
		msg = "internal server error"
	}

	c.Send(protocol.Error(typ, msg))
}

func (c *Client) ignore(state State, req protocol.Request) {
	c.log.Printf("ignoring %s request in %s state", req.Type(), state)
}
