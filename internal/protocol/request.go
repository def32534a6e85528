package protocol

import "fmt"

// Request is one variant of the client request union. ParseRequest is the
// only constructor used on the server side.
type Request interface {
	Type() string
}

type RegisterRequest struct {
	Username string
	Password string
}

type LoginRequest struct {
	Username string
	Password string
}

type LogoutRequest struct{}

type ListRequest struct{}

type CreateRequest struct {
	Room string
}

type EnterRequest struct {
	Room string
}

type ExitRequest struct{}

type MsgRequest struct {
	From string
	To   string
	Text string
}

func (RegisterRequest) Type() string { return TypeRegister }
func (LoginRequest) Type() string    { return TypeLogin }
func (LogoutRequest) Type() string   { return TypeLogout }
func (ListRequest) Type() string     { return TypeList }
func (CreateRequest) Type() string   { return TypeCreate }
func (EnterRequest) Type() string    { return TypeEnter }
func (ExitRequest) Type() string     { return TypeExit }
func (MsgRequest) Type() string      { return TypeMsg }

// ParseRequest validates env against the payload shape of its type.
func ParseRequest(env *Envelope) (Request, error) {
	switch env.Type {
	case TypeRegister, TypeLogin:
		if env.Data == nil {
			return nil, fmt.Errorf("%s: %w", env.Type, ErrMissingData)
		}
		username, err := stringField(env.Data, "username")
		if err != nil {
			return nil, err
		}
		password, err := stringField(env.Data, "password")
		if err != nil {
			return nil, err
		}
		if env.Type == TypeRegister {
			return RegisterRequest{Username: username, Password: password}, nil
		}
		return LoginRequest{Username: username, Password: password}, nil
	case TypeLogout:
		return LogoutRequest{}, nil
	case TypeList:
		return ListRequest{}, nil
	case TypeExit:
		return ExitRequest{}, nil
	case TypeCreate, TypeEnter:
		if env.Data == nil {
			return nil, fmt.Errorf("%s: %w", env.Type, ErrMissingData)
		}
		room, err := stringField(env.Data, "room")
		if err != nil {
			return nil, err
		}
		if env.Type == TypeCreate {
			return CreateRequest{Room: room}, nil
		}
		return EnterRequest{Room: room}, nil
	case TypeMsg:
		if env.Data == nil {
			return nil, fmt.Errorf("%s: %w", env.Type, ErrMissingData)
		}
		var msg MsgRequest
		var err error
		if msg.To, err = stringField(env.Data, "to"); err != nil {
			return nil, err
		}
		if msg.Text, err = stringField(env.Data, "text"); err != nil {
			return nil, err
		}
		// the server fills in the sender, so "from" is optional
		if _, ok := env.Data["from"]; ok {
			if msg.From, err = stringField(env.Data, "from"); err != nil {
				return nil, err
			}
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%q: %w", env.Type, ErrUnknownType)
	}
}

func stringField(data map[string]any, key string) (string, error) {
	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrProtocol, key)
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q is %T, not string", ErrProtocol, key, v)
	}

	return s, nil
}
