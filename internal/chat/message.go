// Package chat holds the message entity shared by the server, the broker and
// the history store.
package chat

import (
	"fmt"
	"strings"
	"time"
)

// MessageType classifies a message on the wire.
type MessageType string

const (
	TypeChat     MessageType = "MSG"
	TypeServer   MessageType = "SRV"
	TypeUserList MessageType = "ULIST"
	TypeCommand  MessageType = "CMD"
	TypeUser     MessageType = "CMD_USER"
)

// Message is immutable once constructed. The history store only moves
// pointers to it around.
type Message struct {
	Content   string
	Sender    string
	Timestamp time.Time
	Type      MessageType
	Recipient string
}

// NewMessage builds a chat message stamped with the current time.
func NewMessage(sender, content string) *Message {
	return &Message{
		Content:   content,
		Sender:    sender,
		Timestamp: time.Now(),
		Type:      TypeChat,
	}
}

// NewServerMessage builds a system notice.
func NewServerMessage(content string) *Message {
	return &Message{
		Content:   content,
		Sender:    "server",
		Timestamp: time.Now(),
		Type:      TypeServer,
	}
}

// IsChat reports whether m is a user chat message.
func (m *Message) IsChat() bool {
	return m != nil && m.Type == TypeChat
}

// Size estimates the retained bytes of m.
func (m *Message) Size() int {
	if m == nil {
		return 0
	}
	return len(m.Content) + len(m.Sender) + len(m.Recipient) + 100
}

// Format renders the message as a single protocol line without the
// trailing newline.
func (m *Message) Format() string {
	switch m.Type {
	case TypeChat:
		return fmt.Sprintf("%s|%s: %s", TypeChat, m.Sender, m.Content)
	case TypeUserList:
		return fmt.Sprintf("%s|%s", TypeUserList, m.Content)
	default:
		return fmt.Sprintf("%s|%s", m.Type, m.Content)
	}
}

// ParseCommand splits a client line into its command and payload.
func ParseCommand(line string) (cmd, payload string) {
	line = strings.TrimRight(line, "\r\n")
	cmd, payload, _ = strings.Cut(line, "|")
	return strings.ToUpper(strings.TrimSpace(cmd)), payload
}
