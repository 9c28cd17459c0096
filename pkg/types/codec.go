package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrMissingType    = errors.New("missing type discriminator")
	ErrUnknownType    = errors.New("unknown message type")
	ErrBlankRequestID = errors.New("blank request id")
	errNotAnObject    = errors.New("message did not encode to a JSON object")
)

// DecodeError reports a frame that could not be turned into a message.
// Readers drop the frame and keep going.
type DecodeError struct {
	Type MessageType
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "decode frame: " + e.Err.Error()
	}
	return fmt.Sprintf("decode %s frame: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeClient renders m as a single line without the trailing newline.
func EncodeClient(m ClientMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil client message")
	}
	return encode(m.clientType(), m)
}

// EncodeServer renders m as a single line without the trailing newline.
func EncodeServer(m ServerMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil server message")
	}
	return encode(m.serverType(), m)
}

// encode writes the discriminator first so the output is byte-stable.
// json.Marshal escapes control characters, so the result never holds a newline.
func encode(t MessageType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: %w", t, errNotAnObject)
	}

	line := make([]byte, 0, len(body)+len(t)+10)
	line = append(line, `{"type":"`...)
	line = append(line, t...)
	line = append(line, '"')
	if len(body) > 2 {
		line = append(line, ',')
		line = append(line, body[1:]...)
	} else {
		line = append(line, '}')
	}
	return line, nil
}

func DecodeClient(line []byte) (ClientMessage, error) {
	line = bytes.TrimSpace(line)
	t, err := peekType(line)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeJoinRequest:
		return decodeClient[JoinRequest](t, line)
	case TypeAnswer:
		return decodeClient[Answer](t, line)
	case TypePing:
		return decodeClient[Ping](t, line)
	default:
		return nil, &DecodeError{Type: t, Err: ErrUnknownType}
	}
}

func DecodeServer(line []byte) (ServerMessage, error) {
	line = bytes.TrimSpace(line)
	t, err := peekType(line)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeJoinAck:
		return decodeServer[JoinAck](t, line)
	case TypeAnswerAck:
		return decodeServer[AnswerAck](t, line)
	case TypeSnapshot:
		return decodeServer[SnapshotMessage](t, line)
	case TypeAnnouncement:
		return decodeServer[Announcement](t, line)
	default:
		return nil, &DecodeError{Type: t, Err: ErrUnknownType}
	}
}

func peekType(line []byte) (MessageType, error) {
	if len(line) == 0 {
		return "", &DecodeError{Err: ErrEmptyFrame}
	}
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return "", &DecodeError{Err: err}
	}
	if env.Type == "" {
		return "", &DecodeError{Err: ErrMissingType}
	}
	return env.Type, nil
}

func decodeClient[T ClientMessage](t MessageType, line []byte) (ClientMessage, error) {
	var m T
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, &DecodeError{Type: t, Err: err}
	}
	return m, nil
}

func decodeServer[T ServerMessage](t MessageType, line []byte) (ServerMessage, error) {
	var m T
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, &DecodeError{Type: t, Err: err}
	}
	return m, nil
}

func EncodeDiscoveryRequest(r DiscoveryRequest) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode discovery request: %w", err)
	}
	return b, nil
}

// DecodeDiscoveryRequest accepts only probes with a non-blank requestId.
func DecodeDiscoveryRequest(datagram []byte) (DiscoveryRequest, error) {
	datagram = bytes.TrimSpace(datagram)
	if len(datagram) == 0 {
		return DiscoveryRequest{}, &DecodeError{Err: ErrEmptyFrame}
	}
	var r DiscoveryRequest
	if err := json.Unmarshal(datagram, &r); err != nil {
		return DiscoveryRequest{}, &DecodeError{Err: err}
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return DiscoveryRequest{}, &DecodeError{Err: ErrBlankRequestID}
	}
	return r, nil
}
