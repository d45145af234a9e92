package aidebug

import (
	"errors"
	"sync"

	. "github.com/stevegt/goadapt"
	"github.com/tiktoken-go/tokenizer"
)

// ErrEmptyConversation is returned when a conversation has no
// messages to read from.
var ErrEmptyConversation = errors.New("conversation is empty")

// Conversation is the ordered chat history sent with every request.
// The first message, if any, is the system message holding the
// background information.  The history only grows; Initialize is the
// only way to shrink it.
type Conversation struct {
	mu   sync.Mutex
	msgs []Message
}

// NewConversation returns a conversation seeded with the given
// background information.
func NewConversation(background string) (c *Conversation) {
	c = &Conversation{}
	c.Initialize(background)
	return
}

// Initialize clears the history and appends a single system message
// containing background.
func (c *Conversation) Initialize(background string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = []Message{{Role: RoleSystem, Content: background}}
}

// AppendUser appends a user message.
func (c *Conversation) AppendUser(text string) {
	c.append(Message{Role: RoleUser, Content: text})
}

// AppendAssistant appends a message returned by the chat service.  The
// message is stored as received.
func (c *Conversation) AppendAssistant(msg Message) {
	c.append(msg)
}

// appendTurn appends a user message and its reply under one lock so
// that a concurrent explanation can't split the pair.
func (c *Conversation) appendTurn(user string, reply Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, Message{Role: RoleUser, Content: user}, reply)
}

func (c *Conversation) append(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

// LastMessageText returns the content of the most recent message.
func (c *Conversation) LastMessageText() (text string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		err = ErrEmptyConversation
		return
	}
	text = c.msgs[len(c.msgs)-1].Content
	return
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() (msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs = make([]Message, len(c.msgs))
	copy(msgs, c.msgs)
	return
}

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// TokenCount returns the number of cl100k_base tokens in text.
func TokenCount(text string) (count int, err error) {
	defer Return(&err)
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	Ck(codecErr)
	_, tokens, err := codec.Encode(text)
	Ck(err)
	count = len(tokens)
	return
}

// TokenCount returns the number of tokens in the contents of all
// messages in the conversation.  Role and framing overhead is not
// counted.
func (c *Conversation) TokenCount() (count int, err error) {
	defer Return(&err)
	for _, msg := range c.Messages() {
		n, err := TokenCount(msg.Content)
		Ck(err)
		count += n
	}
	return
}
