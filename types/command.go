package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command is the canonical structured command routed to kernels and mesh
// execution nodes. Payload keys are backend-specific; the well-known ones
// are "code", "command", and "message".
type Command struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewCommand builds a command with a generated ID and a normalized type.
func NewCommand(cmdType string, payload map[string]any) Command {
	if payload == nil {
		payload = map[string]any{}
	}
	return Command{
		ID:      "cmd-" + uuid.NewString(),
		Type:    NormalizeCommandType(cmdType),
		Payload: payload,
	}
}

// NormalizeCommandType maps arbitrary command types onto the set the
// backends understand. Unknown types degrade to "execute".
func NormalizeCommandType(t string) string {
	switch strings.TrimSpace(t) {
	case "chat", "execute", "ai_inference":
		return strings.TrimSpace(t)
	default:
		return "execute"
	}
}

// Action extracts the first non-empty well-known action string from the
// payload, mirroring what the kernel backends do on their side.
func (c Command) Action() string {
	for _, key := range []string{"code", "command", "message"} {
		if s, ok := c.Payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// ExecResult is the one canonical result shape for every outbound
// kernel/node call. Upstream responses are heterogeneous (stdout vs
// response vs result fields); adapters fold them into this and the raw
// shape never crosses the adapter boundary.
type ExecResult struct {
	Success  bool      `json:"success"`
	Stdout   string    `json:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty"`
	Endpoint string    `json:"endpoint,omitempty"`
	Node     string    `json:"node,omitempty"`
	Data     any       `json:"data,omitempty"`
	At       time.Time `json:"at"`
}

// Failure builds a structured failure result carrying the last error
// message. Transport failures are values, not Go errors, so a caller can
// never observe an unhandled exception from an outbound call.
func Failure(message string) ExecResult {
	return ExecResult{Success: false, Stderr: message, At: time.Now().UTC()}
}
