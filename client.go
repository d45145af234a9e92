package aidebug

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	oai "github.com/sashabaranov/go-openai"
	. "github.com/stevegt/goadapt"
)

// DetailSeparator joins an error message and its detail into a single
// prompt.
const DetailSeparator = "エラーの詳細"

var errNoChoices = errors.New("response contains no choices")

// Config holds the chat endpoint settings.  No field is validated;
// empty values produce failed requests rather than errors here.
type Config struct {
	Endpoint   string
	APIKey     string
	Model      string
	Background string
}

// Doer sends an HTTP request.  *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client turns a user utterance into an assistant reply using a remote
// chat completion API, recording both in a Conversation.
type Client struct {
	mu     sync.Mutex
	cfg    Config
	conv   *Conversation
	http   Doer
	stderr io.Writer
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithDoer sets the HTTP transport.  The default is an *http.Client
// with no timeout.
func WithDoer(d Doer) ClientOption {
	return func(c *Client) { c.http = d }
}

// WithStderr sets where request failures are logged.
func WithStderr(w io.Writer) ClientOption {
	return func(c *Client) { c.stderr = w }
}

// NewClient returns a client that talks to the endpoint in cfg and
// records turns in conv.  If conv is nil a new conversation is seeded
// from cfg.Background.
func NewClient(cfg Config, conv *Conversation, opts ...ClientOption) (c *Client) {
	if conv == nil {
		conv = NewConversation(cfg.Background)
	}
	c = &Client{
		cfg:    cfg,
		conv:   conv,
		http:   &http.Client{},
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}
	return
}

// SetConfig replaces the client's settings.  The conversation is left
// alone; in particular the background message is not re-seeded.
func (c *Client) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Config returns the current settings.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Conversation returns the history the client appends to.
func (c *Client) Conversation() *Conversation {
	return c.conv
}

// Prompt combines an error message and its detail into a single
// prompt string.
func Prompt(message, detail string) string {
	return message + DetailSeparator + detail
}

// ExplainError asks for an explanation of an error message and its
// detail text.
func (c *Client) ExplainError(ctx context.Context, message, detail string) (string, error) {
	return c.Explain(ctx, Prompt(message, detail))
}

// Explain sends the conversation plus a new user turn containing text
// to the chat endpoint and returns the content of the first choice.
// On success the user turn and the reply are appended to the
// conversation; on any failure the conversation is unchanged and the
// error is a *NetworkError, *HTTPStatusError or *DecodeError.
func (c *Client) Explain(ctx context.Context, text string) (reply string, err error) {
	cfg := c.Config()

	msgs := c.conv.Messages()
	req := oai.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: make([]oai.ChatCompletionMessage, 0, len(msgs)+1),
	}
	for _, msg := range msgs {
		req.Messages = append(req.Messages, msg.toWire())
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: text}.toWire())

	body, err := json.Marshal(req)
	if err != nil {
		err = fmt.Errorf("cannot encode chat request: %w", err)
		return
	}
	Debug("chat: %d messages, model %q, %d bytes", len(req.Messages), cfg.Model, len(body))

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		err = &NetworkError{Err: err}
		return
	}
	hreq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	hreq.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(hreq)
	if err != nil {
		Fpf(c.stderr, "error: %v\n", err)
		err = &NetworkError{Err: err}
		return
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		err = &NetworkError{Err: err}
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		Fpf(c.stderr, "Error: %d\n", resp.StatusCode)
		err = &HTTPStatusError{
			Code:    resp.StatusCode,
			Status:  resp.Status,
			Message: apiErrorMessage(buf),
		}
		return
	}

	msg, err := decodeReply(buf)
	if err != nil {
		return
	}
	Debug("chat: reply %d bytes", len(msg.Content))

	c.conv.appendTurn(text, msg)
	reply = msg.Content
	return
}

// decodeReply extracts the first choice's message from a response body.
func decodeReply(buf []byte) (msg Message, err error) {
	var res oai.ChatCompletionResponse
	err = json.Unmarshal(buf, &res)
	if err != nil {
		err = &DecodeError{Err: err}
		return
	}
	if len(res.Choices) == 0 {
		err = &DecodeError{Err: errNoChoices}
		return
	}
	msg = fromWire(res.Choices[0].Message)
	return
}

// apiErrorMessage returns the message of an OpenAI-style error body, or
// an empty string if the body isn't one.
func apiErrorMessage(buf []byte) string {
	var eres oai.ErrorResponse
	err := json.Unmarshal(buf, &eres)
	if err != nil || eres.Error == nil {
		return ""
	}
	return eres.Error.Message
}
