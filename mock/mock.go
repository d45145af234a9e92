package mock

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Request is a request received by the mock endpoint.
type Request struct {
	Method        string
	Authorization string
	ContentType   string
	Model         string
	Messages      []Message
	Raw           []byte
}

// Message is a chat message as seen on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Server is a fake chat completion endpoint for tests.  By default it
// answers every request with a single choice whose content is Reply.
// Setting Status to a non-2xx code or Body to a raw string overrides
// that.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	reply    string
	status   int
	body     string
	hold     chan struct{}
	requests []Request
}

// NewServer starts a mock endpoint.  Close it when done.
func NewServer() (s *Server) {
	s = &Server{
		reply:  "default mock response",
		status: http.StatusOK,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return
}

// SetReply sets the content returned in the first choice.
func (s *Server) SetReply(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = reply
}

// SetStatus makes the endpoint respond with code and body instead of a
// chat completion.
func (s *Server) SetStatus(code int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.body = body
}

// SetBody makes the endpoint respond 200 with a raw body.
func (s *Server) SetBody(body string) {
	s.SetStatus(http.StatusOK, body)
}

// Hold makes the endpoint block each request until Release is called.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
}

// Release unblocks requests held by Hold.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var payload struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}
	json.Unmarshal(raw, &payload)

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Authorization: r.Header.Get("Authorization"),
		ContentType:   r.Header.Get("Content-Type"),
		Model:         payload.Model,
		Messages:      payload.Messages,
		Raw:           raw,
	})
	reply, status, body, hold := s.reply, s.status, s.body, s.hold
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if body != "" || status != http.StatusOK {
		w.WriteHeader(status)
		io.WriteString(w, body)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "chatcmpl-mock",
		"object":  "chat.completion",
		"model":   payload.Model,
		"choices": []interface{}{
			map[string]interface{}{
				"index":         0,
				"finish_reason": "stop",
				"message": Message{
					Role:    "assistant",
					Content: reply,
				},
			},
		},
	})
}
