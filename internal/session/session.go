package session

import "unicode/utf8"

// Role tags a message with its author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is the ordered message history of one user. When a system
// message is present it is the first element, and there is at most one.
type Conversation []Message

// Len returns the summed content length in characters.
func (c Conversation) Len() int {
	n := 0
	for _, msg := range c {
		n += utf8.RuneCountInString(msg.Content)
	}
	return n
}

// WithoutSystem returns a copy of c with a leading system message removed.
func (c Conversation) WithoutSystem() Conversation {
	if len(c) > 0 && c[0].Role == RoleSystem {
		c = c[1:]
	}
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// WithSystem returns a copy of c prefixed by a system message carrying
// prompt. An empty prompt leaves c unprefixed.
func (c Conversation) WithSystem(prompt string) Conversation {
	if prompt == "" {
		out := make(Conversation, len(c))
		copy(out, c)
		return out
	}
	out := make(Conversation, 0, len(c)+1)
	out = append(out, Message{Role: RoleSystem, Content: prompt + "\n\n"})
	return append(out, c...)
}

// Append returns a copy of c with msg added at the end.
func (c Conversation) Append(msg Message) Conversation {
	out := make(Conversation, len(c), len(c)+1)
	copy(out, c)
	return append(out, msg)
}
