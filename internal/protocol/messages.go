// Package protocol defines the envelope exchanged between chat clients and
// the server and the length-prefixed framing that carries it over a stream.
package protocol

import "encoding/json"

const (
	TypeRegister = "register"
	TypeLogin    = "login"
	TypeLogout   = "logout"
	TypeList     = "list"
	TypeCreate   = "create"
	TypeEnter    = "enter"
	TypeExit     = "exit"
	TypeMsg      = "msg"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Public is the recipient name that addresses every member of a room.
const Public = "public"

// Envelope is the unit exchanged on the wire in both directions. Status and
// Message are only set on responses and pushes.
type Envelope struct {
	Type    string         `json:"type"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// MarshalJSON omits data only when it is nil, so an empty map survives a
// round trip.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type envelope struct {
		Type    string          `json:"type"`
		Status  string          `json:"status,omitempty"`
		Message string          `json:"message,omitempty"`
		Data    *map[string]any `json:"data,omitempty"`
	}

	out := envelope{Type: e.Type, Status: e.Status, Message: e.Message}
	if e.Data != nil {
		out.Data = &e.Data
	}
	return json.Marshal(out)
}

func OK(typ, message string, data map[string]any) *Envelope {
	return &Envelope{
		Type:    typ,
		Status:  StatusOK,
		Message: message,
		Data:    data,
	}
}

func Error(typ, message string) *Envelope {
	return &Envelope{
		Type:    typ,
		Status:  StatusError,
		Message: message,
	}
}

// NewRequest returns an envelope for a client request.
func NewRequest(typ string, data map[string]any) *Envelope {
	return &Envelope{
		Type: typ,
		Data: data,
	}
}
