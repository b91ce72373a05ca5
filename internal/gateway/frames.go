package gateway

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the three control-channel frame kinds.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Frame is the wire representation of a control-channel frame.
// Exactly one of the three shapes is populated depending on Type:
//
//	{type:"req", id, method, params}
//	{type:"res", id, ok, payload|error}
//	{type:"event", event, payload, seq?}
type Frame struct {
	Type FrameType `json:"type"`

	// Request / response correlation
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	// Event
	Event string `json:"event,omitempty"`
	Seq   *int64 `json:"seq,omitempty"`
}

// FrameError is the error shape carried by a rejected response.
type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Validate rejects frames that do not match their declared kind.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameRequest:
		if f.ID == "" || f.Method == "" {
			return fmt.Errorf("req frame missing id or method")
		}
	case FrameResponse:
		if f.ID == "" {
			return fmt.Errorf("res frame missing id")
		}
		if f.OK == nil {
			return fmt.Errorf("res frame missing ok")
		}
	case FrameEvent:
		if f.Event == "" {
			return fmt.Errorf("event frame missing event name")
		}
	default:
		return fmt.Errorf("unknown frame type: %q", f.Type)
	}
	return nil
}

// ChallengePayload is the payload of the server-initiated connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ConnectParams is the client half of the handshake.
type ConnectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      ClientInfo    `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Auth        ConnectAuth   `json:"auth"`
	Locale      string        `json:"locale"`
	UserAgent   string        `json:"userAgent"`
}

// ClientInfo identifies this client to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the bearer credential and optional rotated device token.
type ConnectAuth struct {
	Token       string `json:"token"`
	DeviceToken string `json:"deviceToken,omitempty"`
}

// HelloPayload is the server half of a completed handshake.
type HelloPayload struct {
	Type     string `json:"type"` // "hello-ok"
	Protocol int    `json:"protocol"`
	Auth     *struct {
		DeviceToken string `json:"deviceToken,omitempty"`
	} `json:"auth,omitempty"`
}

// PresenceEntry is one member of a presence snapshot.
type PresenceEntry struct {
	ID       string `json:"id"`
	Kind     string `json:"kind,omitempty"`
	Status   string `json:"status,omitempty"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}
