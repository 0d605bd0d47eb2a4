package registry

import (
	"encoding/base64"
	"encoding/json"

	"github.com/unimcp/unimcp/pkg/logging"
)

// cursor is the decoded form of the opaque pagination token: base64 of a
// canonical JSON object. The format is stable so cursors stay exchangeable
// with existing clients.
type cursor struct {
	Offset  int    `json:"offset"`
	Server  string `json:"server,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

func encodeCursor(c cursor) string {
	data, err := json.Marshal(c)
	if err != nil {
		// cursor has only scalar fields; Marshal cannot fail.
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// decodeCursor parses an opaque cursor. Malformed input is tolerated: it
// decodes to offset 0 with a warning, never a hard failure.
func decodeCursor(raw string) cursor {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		logging.Warn("ToolRegistry", "Ignoring malformed cursor (bad base64): %v", err)
		return cursor{}
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		logging.Warn("ToolRegistry", "Ignoring malformed cursor (bad JSON): %v", err)
		return cursor{}
	}
	if c.Offset < 0 {
		logging.Warn("ToolRegistry", "Ignoring malformed cursor (negative offset)")
		return cursor{}
	}
	return c
}
