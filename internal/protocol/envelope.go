// Package protocol defines the kind-tagged JSON envelopes exchanged between
// clients and the relay over a room connection.
package protocol

import "encoding/json"

// Envelope kinds. Anything else received from a client is ignored.
const (
	KindChat        = "chat"
	KindTyping      = "typing"
	KindReaction    = "reaction"
	KindReadReceipt = "read_receipt"
	KindError       = "error"
)

// Envelope is one typed unit of real-time exchange. The Type field selects
// which of the remaining fields are meaningful:
//
//	chat (client->server): Content, IsAttachment
//	chat (server->all):    adds MessageID, Username
//	typing:                Username (server fills it in)
//	reaction:              MessageID, ReactionType, Username
//	read_receipt:          MessageID (client->server only)
//	error:                 Error (server->originating client only)
type Envelope struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	IsAttachment bool   `json:"is_attachment,omitempty"`
	MessageID    uint   `json:"message_id,omitempty"`
	Username     string `json:"username,omitempty"`
	ReactionType string `json:"reaction_type,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Decode parses a raw client frame into an Envelope. A false second return
// means the frame was not valid JSON for an envelope and should be dropped.
func Decode(raw []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	if env.Type == "" {
		return Envelope{}, false
	}
	return env, true
}

// Encode serializes an envelope for the wire. Envelopes are built from
// known fields, so a marshal failure is not an expected runtime condition.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// ErrorEnvelope builds the error event sent to a single originating
// connection when persistence fails.
func ErrorEnvelope(msg string) Envelope {
	return Envelope{Type: KindError, Error: msg}
}
