package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind    = errors.New("unknown message kind")
	ErrMalformedFrame = errors.New("malformed message")
)

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Encode serializes msg. Admin commands go out as their bare text; everything
// else is wrapped in a {"kind", "body"} envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	if cmd, ok := msg.(AdminCommand); ok {
		return []byte(cmd.Command), nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Kind: msg.Kind(), Body: body})
}

// Decode parses a payload. Plain text is matched against the admin command
// table before any structured parsing is attempted.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if cmd, ok := ParseAdmin(string(trimmed)); ok {
		return cmd, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: unrecognized text %q", ErrMalformedFrame, truncate(trimmed, 64))
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch env.Kind {
	case KindHello:
		return decodeBody[Hello](env)
	case KindJobSubmit:
		return decodeBody[JobSubmit](env)
	case KindJobCompleted:
		return decodeBody[JobCompleted](env)
	case KindJobFailed:
		return decodeBody[JobFailed](env)
	case KindWorkerReady:
		return decodeBody[WorkerReady](env)
	case KindSendFile:
		return decodeBody[SendFile](env)
	case KindRequestFile:
		return decodeBody[RequestFile](env)
	case KindAdminCommand:
		return decodeBody[AdminCommand](env)
	case KindStatusReport:
		return decodeBody[StatusReport](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

func decodeBody[T Message](env envelope) (Message, error) {
	var msg T
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: %s without body", ErrMalformedFrame, env.Kind)
	}
	if err := json.Unmarshal(env.Body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Kind, err)
	}
	return msg, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
