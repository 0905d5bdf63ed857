package datatask

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for task and event serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default implementation of Encoder using JSON.
// It uses standard library for encoding and sonic for decoding.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// DefaultEncoder is shared by backends that do not take an Encoder.
var DefaultEncoder Encoder = &JSONEncoder{}

// EncodeTask serializes a task for the wire or a store.
func EncodeTask(t *Task) ([]byte, error) { return DefaultEncoder.Encode(t) }

// DecodeTask deserializes a task produced by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := DefaultEncoder.Decode(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// EncodeEvent serializes an event for the wire.
func EncodeEvent(e Event) ([]byte, error) { return DefaultEncoder.Encode(e) }

// DecodeEvent deserializes an event produced by EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := DefaultEncoder.Decode(data, &e)
	return e, err
}
