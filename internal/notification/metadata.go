package notification

import (
	"encoding/json"
	"fmt"
)

// Metadata is the schema-free string-to-string mapping carried inside chat
// payloads. It is the one place that tolerates malformed input: callers that
// receive a parse error still get a usable empty mapping back.
type Metadata map[string]string

// ParseMetadata decodes a JSON-encoded string-to-string mapping. On any
// decode failure it returns an empty (non-nil) Metadata together with the
// error so the caller can log and continue.
func ParseMetadata(blob string) (Metadata, error) {
	if blob == "" {
		return Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return Metadata{}, fmt.Errorf("notification: parse metadata: %w", err)
	}
	if m == nil {
		m = Metadata{}
	}
	return m, nil
}

// Room returns the ROOM entry and whether it is present and non-empty.
func (m Metadata) Room() (string, bool) {
	v, ok := m[KeyRoom]
	return v, ok && v != ""
}

// Message returns the MESSAGE entry, or the empty string if absent.
func (m Metadata) Message() string {
	return m[KeyMessage]
}

// User returns the USER entry, or the empty string if absent.
func (m Metadata) User() string {
	return m[KeyUser]
}
