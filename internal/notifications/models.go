package notifications

import "time"

// MessageType identifies a websocket frame.
type MessageType string

const (
	MessageTypeEvent     MessageType = "event"
	MessageTypeStatus    MessageType = "status"
	MessageTypeSubscribe MessageType = "subscribe"
)

// Message is the JSON frame exchanged with websocket clients. For event frames Channel is
// the event type and Data carries the event fields plus subject and sequence.
type Message struct {
	Type      MessageType    `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
