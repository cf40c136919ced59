package protocol

import (
	"encoding/json"
	"fmt"
)

// Command is one operator command on the control channel. Data carries
// command-specific fields; unknown command types are logged by the executor
// and never actuate.
type Command struct {
	Type      string      `json:"type" msgpack:"type"`
	Data      CommandData `json:"data" msgpack:"data"`
	Timestamp float64     `json:"timestamp" msgpack:"timestamp"`
}

// CommandData is the loosely-typed payload of a command. Accessors return a
// fallback instead of an error because a missing field is normal for most
// commands (e.g. emergency_stop without a reason).
type CommandData map[string]any

// Float returns a numeric field, accepting any JSON number representation.
func (d CommandData) Float(key string, fallback float64) float64 {
	v, ok := d[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return fallback
		}
		return f
	}
	return fallback
}

// Int returns an integer field.
func (d CommandData) Int(key string, fallback int) int {
	return int(d.Float(key, float64(fallback)))
}

// String returns a string field.
func (d CommandData) String(key, fallback string) string {
	if s, ok := d[key].(string); ok {
		return s
	}
	return fallback
}

// Bool returns a boolean field.
func (d CommandData) Bool(key string, fallback bool) bool {
	if b, ok := d[key].(bool); ok {
		return b
	}
	return fallback
}

// DecodeCommand parses a control payload. The payload must be valid UTF-8
// JSON with a string type field; anything else is a decode error, which the
// robot treats as a safety event.
func DecodeCommand(payload []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("decode command: missing type field")
	}
	if cmd.Data == nil {
		cmd.Data = CommandData{}
	}
	return &cmd, nil
}

// Encode serializes the command for framing.
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}
