// Package wsproto defines the JSON frames spoken on the terminal
// WebSockets: the session manager's per-session endpoint and the
// gateway's multiplexed browser endpoint. Terminal bytes travel
// base64-encoded in the Data field so frames stay valid JSON text.
package wsproto

import "encoding/base64"

// Frame types.
const (
	// Browser → gateway only.
	TypeSubscribe   = "terminal:subscribe"
	TypeUnsubscribe = "terminal:unsubscribe"

	// Client → server (browser → gateway, gateway/CLI → session manager).
	TypeInput  = "terminal:input"
	TypeResize = "terminal:resize"

	// Server → client.
	TypeData    = "terminal:data"
	TypeResized = "terminal:resized"
	TypeError   = "terminal:error"
)

// WebSocket close codes. 4000 doubles as the error-frame code sent to
// browsers when their upstream dies.
const (
	CodeSessionGone      = 4000
	CodeAuthFailed       = 4001
	CodeMissingSessionID = 4002
	CodeSessionNotFound  = 4003
)

// Envelope wraps every frame with a type field for routing.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// Subscribe asks the gateway to join a session's stream.
type Subscribe struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Preview   bool   `json:"preview,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// Unsubscribe leaves a session's stream.
type Unsubscribe struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Input carries keystrokes toward the PTY.
type Input struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

// Resize requests new terminal dimensions.
type Resize struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// Data carries raw terminal output toward the client.
type Data struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

// Resized acknowledges the dimensions currently applied to the PTY.
// Preview clients gate rendering on this ack.
type Resized struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// ErrorFrame terminates a subscription. After it, no more Data frames
// for that session reach this client.
type ErrorFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Code      int    `json:"code"`
	Error     string `json:"error"`
}

// EncodeData builds a Data frame from raw terminal bytes.
func EncodeData(sessionID string, b []byte) Data {
	return Data{
		Type:      TypeData,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(b),
	}
}

// EncodeInput builds an Input frame from raw keystroke bytes.
func EncodeInput(sessionID string, b []byte) Input {
	return Input{
		Type:      TypeInput,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(b),
	}
}

// DecodePayload unpacks the base64 Data field of an Input or Data frame.
func DecodePayload(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
