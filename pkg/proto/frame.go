package proto

import (
	"encoding/json"

	"github.com/develata/notevault/pkg/errkind"
)

// Frame is the one wire shape every transport.Conn message actually
// takes: a type tag naming which struct in this package Payload holds,
// so the session router's dispatch can switch on it before unmarshaling
// the rest (the transport is a bidirectional channel carrying
// JSON-encoded frames").
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps msg in a Frame tagged msgType and marshals it, the shape
// every session.Send call produces.
func Encode(msgType string, msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "marshal frame payload", err)
	}
	raw, err := json.Marshal(Frame{Type: msgType, Payload: payload})
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "marshal frame", err)
	}
	return raw, nil
}

// Decode splits a raw transport message into its type tag and payload,
// ready for the caller to unmarshal Payload into the struct Type names.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, errkind.Wrap(errkind.InvalidArgument, "unmarshal frame", err)
	}
	return f, nil
}
