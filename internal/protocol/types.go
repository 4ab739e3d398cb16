package protocol

import (
	"encoding/json"
)

// ProtocolVersion is the version of the daemon-window protocol.
// Increment this when making breaking changes to the protocol.
const ProtocolVersion = "3"

// Commands (window/CLI -> daemon)
const (
	CmdWSOpen            = "ws_open"
	CmdWSSend            = "ws_send"
	CmdWSClose           = "ws_close"
	CmdWSCloseRuntime    = "ws_close_runtime"
	CmdRuntimeTerminated = "runtime_terminated"
	CmdCollabConnect     = "collab_connect"
	CmdCollabDisconnect  = "collab_disconnect"
	CmdCollabSend        = "collab_send"
	CmdCreateRuntime     = "create_runtime"
	CmdTerminateRuntime  = "terminate_runtime"
	CmdTerminateAll      = "terminate_all"
	CmdQueryRuntimes     = "query_runtimes"
	CmdQueryConnections  = "query_connections"
	CmdQueryEnvironments = "query_environments"
)

// Push events (daemon -> window)
const (
	EventResult          = "result"
	EventWebSocket       = "websocket_event"
	EventCollab          = "collab_event"
	EventRuntimesUpdated = "runtimes_updated"
	EventRuntimeGone     = "runtime_gone"
)

// Proxied socket event types
const (
	WSEventOpen    = "open"
	WSEventMessage = "message"
	WSEventClose   = "close"
	WSEventError   = "error"
)

// Collaboration adapter event types
const (
	CollabEventStatus  = "status"
	CollabEventMessage = "message"
	CollabEventError   = "error"
)

// Collaboration adapter statuses
const (
	StatusConnecting       = "connecting"
	StatusConnected        = "connected"
	StatusDisconnected     = "disconnected"
	StatusAlreadyConnected = "already-connected"
)

// Binary payload origins. Frames read off the wire are tagged Buffer;
// binary produced in-process (collab document updates) is tagged
// ArrayBuffer so the receiving side reconstructs the right type.
const (
	BinaryKindBuffer      = "Buffer"
	BinaryKindArrayBuffer = "ArrayBuffer"
)

// Reasons a runtime went away
const (
	GoneTerminated = "terminated"
	GoneExpired    = "expired"
)

// Close defaults
const (
	CloseCodeNormal         = 1000
	CloseReasonNormal       = "Normal closure"
	CloseReasonRuntimeGone  = "Runtime terminated"
	CloseReasonWindowClosed = "Window closed"
)

// Runtime is a remote ephemeral compute resource tracked by the daemon.
type Runtime struct {
	UID         string    `json:"uid"`
	PodName     string    `json:"pod_name"`
	Environment string    `json:"environment"`
	Name        string    `json:"name"`
	Ingress     string    `json:"ingress"`
	Token       string    `json:"token,omitempty"`
	StartedAt   Timestamp `json:"started_at"`
	ExpiredAt   Timestamp `json:"expired_at"`
	Status      string    `json:"status"`
	Owner       string    `json:"owner,omitempty"`
}

// Environment describes a selectable compute environment.
type Environment struct {
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	Language string `json:"language,omitempty"`
}

// ConnectionInfo is the externally visible view of a proxied connection.
type ConnectionInfo struct {
	ID         string `json:"id"`
	WindowID   string `json:"window_id"`
	RuntimeUID string `json:"runtime_uid,omitempty"`
	URL        string `json:"url"`
}

// BinaryPayload carries raw bytes across the process boundary as a
// number array tagged with its origin kind.
type BinaryPayload struct {
	Kind string   `json:"type"`
	Data ByteList `json:"data"`
}

// MessageData is the data field of ws_send/collab_send and of forwarded
// message events. Exactly one branch is set: Text (sent verbatim),
// Binary (sent as a binary frame), or JSON (an arbitrary object,
// serialized to JSON text before sending).
type MessageData struct {
	Text   *string
	Binary *BinaryPayload
	JSON   json.RawMessage
}

// TextData wraps a string payload.
func TextData(s string) *MessageData {
	return &MessageData{Text: &s}
}

// BinaryData wraps bytes with an origin kind.
func BinaryData(kind string, b []byte) *MessageData {
	return &MessageData{Binary: &BinaryPayload{Kind: kind, Data: ByteList(b)}}
}

func (d MessageData) MarshalJSON() ([]byte, error) {
	switch {
	case d.Text != nil:
		return json.Marshal(*d.Text)
	case d.Binary != nil:
		return json.Marshal(*d.Binary)
	case d.JSON != nil:
		return d.JSON, nil
	}
	return []byte("null"), nil
}

func (d *MessageData) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d.Text = &s
		return nil
	}

	var bp BinaryPayload
	if err := json.Unmarshal(data, &bp); err == nil &&
		(bp.Kind == BinaryKindBuffer || bp.Kind == BinaryKindArrayBuffer) {
		d.Binary = &bp
		return nil
	}

	d.JSON = append(json.RawMessage(nil), data...)
	return nil
}

// WSEvent is the payload of a websocket_event push.
type WSEvent struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Data     *MessageData `json:"data,omitempty"`
	Code     int          `json:"code,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	WasClean bool         `json:"was_clean,omitempty"`
	Error    string       `json:"error,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// CollabEvent is the payload of a collab_event push.
type CollabEvent struct {
	AdapterID string       `json:"adapter_id"`
	Type      string       `json:"type"`
	Status    string       `json:"status,omitempty"`
	Data      *MessageData `json:"data,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Event is the envelope pushed to windows. Command results carry the
// originating message's seq; fire-and-forget pushes leave it zero.
type Event struct {
	Event string  `json:"event"`
	Seq   int64   `json:"seq,omitempty"`
	OK    *bool   `json:"ok,omitempty"`
	Error *string `json:"error,omitempty"`

	// ws_open result
	ConnID  string `json:"conn_id,omitempty"`
	Blocked *bool  `json:"blocked,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// collab_connect result / status
	Status string `json:"status,omitempty"`

	WS     *WSEvent     `json:"ws,omitempty"`
	Collab *CollabEvent `json:"collab,omitempty"`

	Runtime      *Runtime         `json:"runtime,omitempty"`
	Runtimes     []Runtime        `json:"runtimes,omitempty"`
	Connections  []ConnectionInfo `json:"connections,omitempty"`
	Environments []Environment    `json:"environments,omitempty"`

	// runtime_gone
	RuntimeUID string `json:"runtime_uid,omitempty"`
	GoneReason string `json:"gone_reason,omitempty"`
}

// Response is the reply shape on the CLI unix socket.
type Response struct {
	OK           bool             `json:"ok"`
	Error        string           `json:"error,omitempty"`
	Runtime      *Runtime         `json:"runtime,omitempty"`
	Runtimes     []Runtime        `json:"runtimes,omitempty"`
	Connections  []ConnectionInfo `json:"connections,omitempty"`
	Environments []Environment    `json:"environments,omitempty"`
}

// WSOpenMessage opens a proxied WebSocket connection.
type WSOpenMessage struct {
	Cmd        string            `json:"cmd"`
	Seq        int64             `json:"seq,omitempty"`
	URL        string            `json:"url"`
	Protocol   string            `json:"protocol,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	RuntimeUID string            `json:"runtime_uid,omitempty"`
}

// WSSendMessage sends data on a proxied connection.
type WSSendMessage struct {
	Cmd  string       `json:"cmd"`
	Seq  int64        `json:"seq,omitempty"`
	ID   string       `json:"id"`
	Data *MessageData `json:"data"`
}

// WSCloseMessage closes a proxied connection.
type WSCloseMessage struct {
	Cmd    string `json:"cmd"`
	Seq    int64  `json:"seq,omitempty"`
	ID     string `json:"id"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WSCloseRuntimeMessage closes every connection tagged with a runtime.
type WSCloseRuntimeMessage struct {
	Cmd        string `json:"cmd"`
	Seq        int64  `json:"seq,omitempty"`
	RuntimeUID string `json:"runtime_uid"`
}

// RuntimeTerminatedMessage flags a runtime as terminated when the
// termination originated in a window rather than in the daemon.
type RuntimeTerminatedMessage struct {
	Cmd        string `json:"cmd"`
	Seq        int64  `json:"seq,omitempty"`
	RuntimeUID string `json:"runtime_uid"`
}

// CollabConnectMessage connects a collaboration adapter.
type CollabConnectMessage struct {
	Cmd          string `json:"cmd"`
	Seq          int64  `json:"seq,omitempty"`
	AdapterID    string `json:"adapter_id"`
	WebsocketURL string `json:"websocket_url"`
	Token        string `json:"token,omitempty"`
	RuntimeUID   string `json:"runtime_uid,omitempty"`
}

// CollabDisconnectMessage disposes a collaboration adapter.
type CollabDisconnectMessage struct {
	Cmd       string `json:"cmd"`
	Seq       int64  `json:"seq,omitempty"`
	AdapterID string `json:"adapter_id"`
}

// CollabSendMessage sends data through a collaboration adapter.
type CollabSendMessage struct {
	Cmd       string       `json:"cmd"`
	Seq       int64        `json:"seq,omitempty"`
	AdapterID string       `json:"adapter_id"`
	Data      *MessageData `json:"data"`
}

// CreateRuntimeMessage requests a new runtime from the control plane.
type CreateRuntimeMessage struct {
	Cmd         string `json:"cmd"`
	Seq         int64  `json:"seq,omitempty"`
	Owner       string `json:"owner"`
	Environment string `json:"environment"`
	Name        string `json:"name"`
	Minutes     int    `json:"minutes"`
}

// TerminateRuntimeMessage tears down a runtime and everything attached.
type TerminateRuntimeMessage struct {
	Cmd string `json:"cmd"`
	Seq int64  `json:"seq,omitempty"`
	UID string `json:"uid"`
}

// TerminateAllMessage tears down every tracked runtime.
type TerminateAllMessage struct {
	Cmd string `json:"cmd"`
	Seq int64  `json:"seq,omitempty"`
}

// QueryRuntimesMessage lists tracked runtimes.
type QueryRuntimesMessage struct {
	Cmd string `json:"cmd"`
	Seq int64  `json:"seq,omitempty"`
}

// QueryConnectionsMessage lists proxied connections.
type QueryConnectionsMessage struct {
	Cmd string `json:"cmd"`
	Seq int64  `json:"seq,omitempty"`
}

// QueryEnvironmentsMessage lists available environments.
type QueryEnvironmentsMessage struct {
	Cmd string `json:"cmd"`
	Seq int64  `json:"seq,omitempty"`
}
