package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	headerSize = 4

	// DefaultMaxFrameSize bounds the payload length accepted by ReadFrame.
	DefaultMaxFrameSize = 1 << 20
)

// Encode serializes env into a complete frame, header included.
func Encode(env *Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decode parses a frame payload (without its header).
func Decode(payload []byte) (*Envelope, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid utf-8", ErrProtocol)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if env.Type == "" {
		return nil, ErrMissingType
	}

	return &env, nil
}

// ReadFrame blocks until a whole frame has been read from r and returns its
// payload. A stream that ends before the frame is complete yields
// ErrConnectionClosed.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readError(err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(maxSize) {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, readError(err)
	}

	return payload, nil
}

// ReadEnvelope reads one frame and decodes it. Framing errors are returned as
// is; a payload that fails to decode is reported with ErrProtocol and leaves
// the stream positioned at the next frame.
func ReadEnvelope(r io.Reader, maxSize int) (*Envelope, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}

	return Decode(payload)
}

// WriteFrame hands the whole frame to w in a single call.
func WriteFrame(w io.Writer, env *Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}

	if _, err := w.Write(frame); err != nil {
		return &TransportError{Op: "write frame", Err: err}
	}

	return nil
}

func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}

	return &TransportError{Op: "read frame", Err: err}
}
