package gateway

import (
	"encoding/json"
	"time"
)

// ClientMessage is the envelope for everything a participant sends over the
// socket. Room names the target case room; payload shape depends on kind.
type ClientMessage struct {
	Kind    string          `json:"kind"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	KindJoinRoom     = "join-room"
	KindLeaveRoom    = "leave-room"
	KindHeartbeat    = "heartbeat"
	KindCursorMove   = "cursor-move"
	KindSectionFocus = "section-focus"
	KindTypingStart  = "typing-start"
	KindTypingStop   = "typing-stop"
	KindChatSend     = "chat-send"
	KindDocOp        = "doc-op"
)

type CursorPayload struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type FocusPayload struct {
	Section string `json:"section"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type DocEditPayload struct {
	DocID  string `json:"docId"`
	Action string `json:"action"`
	Index  int    `json:"index"`
	Value  string `json:"value,omitempty"`
}

// ChatMessage is the server-side payload of a chat-message event.
type ChatMessage struct {
	From        string    `json:"from"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	At          time.Time `json:"at"`
}

// droppable reports whether an event may be shed under backpressure.
// Presence traffic heals itself through sync snapshots; chat, document and
// case-record events must reach the client or the connection must die.
func droppable(kind string) bool {
	switch kind {
	case "chat-message", "doc-op", "case-updated", "ready", "error":
		return false
	}
	return true
}
