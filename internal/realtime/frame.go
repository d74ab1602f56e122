package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame is one named event on the wire: {"event": "...", "args": [...]}.
type Frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

// EncodeFrame marshals an event and its arguments.
func EncodeFrame(event string, args ...any) ([]byte, error) {
	if event == "" {
		return nil, fmt.Errorf("encode frame: empty event name")
	}
	f := Frame{Event: event, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode %s arg %d: %w", event, i, err)
		}
		f.Args = append(f.Args, raw)
	}
	return json.Marshal(f)
}

// DecodeFrame parses a wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event name")
	}
	return f, nil
}

// Arg decodes argument i of args into v. Missing arguments are an error.
func Arg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return fmt.Errorf("argument %d missing (have %d)", i, len(args))
	}
	return json.Unmarshal(args[i], v)
}
