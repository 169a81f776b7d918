package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Framing selects how an inbound message is encoded.
type Framing int

const (
	// Binary frames are msgpack maps; artifacts are raw image bytes.
	Binary Framing = iota
	// Text frames are JSON objects; artifacts are {"base64": "..."} objects.
	Text
)

func (f Framing) String() string {
	switch f {
	case Binary:
		return "binary"
	case Text:
		return "text"
	default:
		return fmt.Sprintf("Framing(%d)", int(f))
	}
}

// ErrDecode matches every *DecodeError with errors.Is.
var ErrDecode = errors.New("malformed update frame")

// DecodeError is returned when an inbound message is not a well formed frame.
type DecodeError struct {
	Framing Framing
	Field   string // empty when the frame as a whole is malformed
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s %s frame: field %q: %v", ErrDecode, e.Framing, e.Field, e.Err)
	}
	return fmt.Sprintf("%s %s frame: %v", ErrDecode, e.Framing, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Frame is one decoded update from the service. Every field is optional:
// a nil Status/Step or a nil Artifacts slice means the frame carried no such
// information. A present but empty artifact list decodes to a non-nil empty
// slice.
type Frame struct {
	Status    *string
	Step      *int
	Artifacts [][]byte
}

// HasArtifacts reports whether the frame carried an artifact list.
func (f Frame) HasArtifacts() bool {
	return f.Artifacts != nil
}

// Decode dispatches raw to the decoder for the given framing.
func Decode(framing Framing, raw []byte) (Frame, error) {
	if framing == Text {
		return DecodeTextFrame(raw)
	}
	return DecodeFrame(raw)
}

// DecodeFrame decodes a msgpack map frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var fields map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &fields); err != nil {
		return Frame{}, &DecodeError{Framing: Binary, Err: err}
	}
	if fields == nil {
		return Frame{}, &DecodeError{Framing: Binary, Err: errors.New("frame is not a map")}
	}

	var f Frame
	if v, ok := fields["status"]; ok && !isMsgpackNil(v) {
		var status string
		if err := msgpack.Unmarshal(v, &status); err != nil {
			return Frame{}, &DecodeError{Framing: Binary, Field: "status", Err: err}
		}
		f.Status = &status
	}
	if v, ok := fields["step"]; ok && !isMsgpackNil(v) {
		var step int
		if err := msgpack.Unmarshal(v, &step); err != nil {
			return Frame{}, &DecodeError{Framing: Binary, Field: "step", Err: err}
		}
		f.Step = &step
	}
	if v, ok := fields["artifacts"]; ok && !isMsgpackNil(v) {
		var artifacts [][]byte
		if err := msgpack.Unmarshal(v, &artifacts); err != nil {
			return Frame{}, &DecodeError{Framing: Binary, Field: "artifacts", Err: err}
		}
		if artifacts == nil {
			artifacts = [][]byte{}
		}
		f.Artifacts = artifacts
	}
	return f, nil
}

// isMsgpackNil reports a nil map value. Decoding into RawMessage leaves nil
// values empty.
func isMsgpackNil(raw msgpack.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && raw[0] == msgpcode.Nil)
}

type textArtifact struct {
	Base64 string `json:"base64"`
}

// DecodeTextFrame decodes the JSON fallback framing, turning base64 artifacts
// back into raw bytes.
func DecodeTextFrame(raw []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Frame{}, &DecodeError{Framing: Text, Err: err}
	}
	if fields == nil {
		return Frame{}, &DecodeError{Framing: Text, Err: errors.New("frame is not an object")}
	}

	var f Frame
	if v, ok := fields["status"]; ok && !isJSONNull(v) {
		var status string
		if err := json.Unmarshal(v, &status); err != nil {
			return Frame{}, &DecodeError{Framing: Text, Field: "status", Err: err}
		}
		f.Status = &status
	}
	if v, ok := fields["step"]; ok && !isJSONNull(v) {
		var step int
		if err := json.Unmarshal(v, &step); err != nil {
			return Frame{}, &DecodeError{Framing: Text, Field: "step", Err: err}
		}
		f.Step = &step
	}
	if v, ok := fields["artifacts"]; ok && !isJSONNull(v) {
		var items []textArtifact
		if err := json.Unmarshal(v, &items); err != nil {
			return Frame{}, &DecodeError{Framing: Text, Field: "artifacts", Err: err}
		}
		f.Artifacts = make([][]byte, 0, len(items))
		for i, item := range items {
			data, err := base64.StdEncoding.DecodeString(item.Base64)
			if err != nil {
				return Frame{}, &DecodeError{Framing: Text, Field: fmt.Sprintf("artifacts[%d]", i), Err: err}
			}
			f.Artifacts = append(f.Artifacts, data)
		}
	}
	return f, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
