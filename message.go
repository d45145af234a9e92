package aidebug

import (
	oai "github.com/sashabaranov/go-openai"
)

// Role identifies the speaker of a conversation turn.  The values are
// the lowercase strings the chat completion API expects.
type Role string

const (
	RoleSystem    Role = oai.ChatMessageRoleSystem
	RoleUser      Role = oai.ChatMessageRoleUser
	RoleAssistant Role = oai.ChatMessageRoleAssistant
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// toWire converts a message to the go-openai request type.
func (m Message) toWire() oai.ChatCompletionMessage {
	return oai.ChatCompletionMessage{
		Role:    string(m.Role),
		Content: m.Content,
	}
}

// fromWire converts a go-openai message back into a Message.  The
// role is kept verbatim.
func fromWire(m oai.ChatCompletionMessage) Message {
	return Message{
		Role:    Role(m.Role),
		Content: m.Content,
	}
}
