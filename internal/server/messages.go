package server

import (
	"github.com/npezzotti/go-roomchat/internal/protocol"
	"github.com/npezzotti/go-roomchat/internal/registry"
)

func lobbyListing(rooms map[string][]string) *protocol.Envelope {
	return protocol.OK(protocol.TypeList, "", map[string]any{"rooms": rooms})
}

func roomListing(room string, members []string) *protocol.Envelope {
	return protocol.OK(protocol.TypeList, "", map[string]any{
		"room":    room,
		"members": members,
	})
}

func chatMessage(from, to, text string) *protocol.Envelope {
	return protocol.OK(protocol.TypeMsg, "", map[string]any{
		"from": from,
		"to":   to,
		"text": text,
	})
}

// broadcastLobby pushes the room listing to everyone in the lobby except skip.
func (cs *ChatServer) broadcastLobby(skip registry.Conn) {
	rooms, to := cs.reg.LobbyAudience()
	cs.fanOut(to, lobbyListing(rooms), skip)
}

// broadcastRoom pushes the member listing of room to its members except skip.
func (cs *ChatServer) broadcastRoom(room string, skip registry.Conn) {
	members, to, err := cs.reg.RoomAudience(room)
	if err != nil {
		cs.log.Printf("broadcast %s: %v", room, err)
		return
	}
	cs.fanOut(to, roomListing(room, members), skip)
}

// fanOut queues msg for every recipient. A recipient that cannot take it is
// skipped and the rest still receive it.
func (cs *ChatServer) fanOut(to []registry.Recipient, msg *protocol.Envelope, skip registry.Conn) int {
	sent := 0
	for _, r := range to {
		if skip != nil && r.Conn == skip {
			continue
		}
		if !r.Conn.Send(msg) {
			cs.log.Printf("dropped %s push to %s", msg.Type, r.Username)
			continue
		}
		sent++
	}
	return sent
}
