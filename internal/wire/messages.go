package wire

import "fmt"

// ProtocolVersion is sent in hello and welcome messages.
const ProtocolVersion = 1

// Message type discriminators.
const (
	TypeHello    = "hello"
	TypeWelcome  = "welcome"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeNotify   = "notify"
)

// Hello must be the first frame a client sends.
type Hello struct {
	Type    string `cbor:"type"`
	Version int    `cbor:"version"`
	Client  string `cbor:"client,omitempty"`
	Token   string `cbor:"token,omitempty"`
}

// Welcome answers a successful hello.
type Welcome struct {
	Type         string   `cbor:"type"`
	Version      int      `cbor:"version"`
	SessionID    string   `cbor:"session_id"`
	Principal    string   `cbor:"principal"`
	Capabilities []string `cbor:"capabilities,omitempty"`
	NextSeq      uint64   `cbor:"next_seq"`
}

// Request asks the core to perform one action.
type Request struct {
	Type          string            `cbor:"type"`
	SessionSeq    uint64            `cbor:"session_seq"`
	Action        string            `cbor:"action"`
	Params        map[string]string `cbor:"params,omitempty"`
	CorrelationID string            `cbor:"correlation_id,omitempty"`
}

// Response answers a request (Type "response") or reports the final
// outcome of a pending confirmation (Type "notify").
type Response struct {
	Type          string         `cbor:"type"`
	SessionSeq    uint64         `cbor:"session_seq,omitempty"`
	Status        string         `cbor:"status"`
	Result        map[string]any `cbor:"result,omitempty"`
	Reason        string         `cbor:"reason,omitempty"`
	ErrorKind     string         `cbor:"error_kind,omitempty"`
	CorrelationID string         `cbor:"correlation_id,omitempty"`
}

type envelope struct {
	Type string `cbor:"type"`
}

// PeekType returns the type discriminator of a payload.
func PeekType(payload []byte) (string, error) {
	var env envelope
	if err := Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("missing message type")
	}
	return env.Type, nil
}

// DecodeHello strictly decodes a hello frame.
func DecodeHello(payload []byte) (Hello, error) {
	var h Hello
	if err := UnmarshalStrict(payload, &h); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	if h.Type != TypeHello {
		return Hello{}, fmt.Errorf("expected %s, got %q", TypeHello, h.Type)
	}
	return h, nil
}

// DecodeRequest strictly decodes a request frame.
func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := UnmarshalStrict(payload, &r); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if r.Type != TypeRequest {
		return Request{}, fmt.Errorf("expected %s, got %q", TypeRequest, r.Type)
	}
	return r, nil
}
