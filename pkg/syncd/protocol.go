package syncd

import (
	"encoding/json"

	"github.com/dono-app/dono/pkg/eventlog"
)

// Frame is the JSON wire envelope exchanged over a /sync websocket.
//
// Client to server:
//   - "push": Events carry replica-assigned local sequence numbers.
//   - "pull": From is the global sequence to resume after.
//
// Server to client:
//   - "pushAck": FirstGlobal + Locals confirm global numbers for a push.
//   - "events": a pull backlog or a live broadcast from another replica.
//   - "error": Code is one of "unauthorized", "access_denied", "internal".
type Frame struct {
	Type        string           `json:"type"`
	Events      []eventlog.Event `json:"events,omitempty"`
	From        int64            `json:"from,omitempty"`
	FirstGlobal int64            `json:"firstGlobal,omitempty"`
	Locals      []int64          `json:"locals,omitempty"`
	Code        string           `json:"code,omitempty"`
	Message     string           `json:"message,omitempty"`
}

const (
	FramePush    = "push"
	FramePushAck = "pushAck"
	FramePull    = "pull"
	FrameEvents  = "events"
	FrameError   = "error"
)

const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeAccessDenied = "access_denied"
	ErrCodeInternal     = "internal"
)

// PurgeResponse is the purge RPC result.
type PurgeResponse struct {
	OK                bool `json:"ok"`
	ClosedConnections int  `json:"closedConnections"`
}

func encodeFrame(f Frame) []byte {
	b, _ := json.Marshal(f)
	return b
}
