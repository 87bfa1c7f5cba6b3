package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	}
	return false
}

// Message is a single entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// History is the ordered, append-only conversation shared between the
// generator and the validator. It is owned by one loop run at a time.
type History struct {
	messages []Message
}

// NewHistory returns a history seeded with msgs.
func NewHistory(msgs ...Message) *History {
	h := &History{}
	h.messages = append(h.messages, msgs...)
	return h
}

// Append adds a message to the end of the history.
func (h *History) Append(msg Message) {
	h.messages = append(h.messages, msg)
}

func (h *History) AppendUser(content string) {
	h.Append(Message{Role: RoleUser, Content: content})
}

func (h *History) AppendAssistant(content string) {
	h.Append(Message{Role: RoleAssistant, Content: content})
}

// Len returns the number of messages.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.messages)
}

// Messages returns a copy of the messages in order.
func (h *History) Messages() []Message {
	if h == nil {
		return nil
	}
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Last returns the most recent message, if any.
func (h *History) Last() (Message, bool) {
	if h.Len() == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}

// Transcript renders the history as newline-joined "role: content" lines.
func (h *History) Transcript() string {
	if h.Len() == 0 {
		return ""
	}
	lines := make([]string, 0, len(h.messages))
	for _, m := range h.messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

// MarshalJSON encodes the history as a JSON array of messages.
func (h *History) MarshalJSON() ([]byte, error) {
	if h == nil || h.messages == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.messages)
}

// UnmarshalJSON decodes a JSON array of messages, rejecting unknown roles.
func (h *History) UnmarshalJSON(data []byte) error {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	h.messages = msgs
	return nil
}
