// Package server exposes a Debugger over HTTP so that an editor plugin
// can report errors and receive explanations.  Explanations finish in
// the background and are pushed to WebSocket clients as they arrive.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stevegt/aidebug"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the editor connects from localhost
	},
}

// Server serves the error log, explanations and settings.
type Server struct {
	ctx      context.Context
	d        *aidebug.Debugger
	settings *aidebug.Settings
	pool     *Pool
	router   *mux.Router
}

// New returns a Server for d.  settings may be nil, in which case
// config changes are not persisted.  Background explanations and the
// WebSocket pool stop when ctx is done.
func New(ctx context.Context, d *aidebug.Debugger, settings *aidebug.Settings) (s *Server) {
	s = &Server{
		ctx:      ctx,
		d:        d,
		settings: settings,
		pool:     NewPool(),
		router:   mux.NewRouter(),
	}
	d.SetOnReady(s.explanationReady)
	go s.pool.Run(ctx)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/errors", s.listErrors).Methods(http.MethodGet)
	api.HandleFunc("/errors", s.captureError).Methods(http.MethodPost)
	api.HandleFunc("/errors/{id}", s.getError).Methods(http.MethodGet)
	api.HandleFunc("/errors/{id}/explain", s.explainError).Methods(http.MethodPost)
	api.HandleFunc("/errors/{id}/toggle", s.toggleError).Methods(http.MethodPost)
	api.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.putConfig).Methods(http.MethodPut)
	api.HandleFunc("/conversation", s.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversation/reset", s.resetConversation).Methods(http.MethodPost)
	api.HandleFunc("/version", s.getVersion).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.wsHandler)
	return
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Pool returns the WebSocket client pool.
func (s *Server) Pool() *Pool {
	return s.pool
}

// event is pushed to WebSocket clients.
type event struct {
	Type  string      `json:"type"`
	Entry *entryView  `json:"entry,omitempty"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// entryView is an entry with its explanation rendered to HTML.
type entryView struct {
	aidebug.Entry
	HTML string `json:"html,omitempty"`
}

func view(e aidebug.Entry) *entryView {
	v := &entryView{Entry: e}
	if e.Explanation != "" {
		html, err := renderHTML(e.Explanation)
		if err != nil {
			log.Printf("rendering explanation for %s: %v", e.ID, err)
		} else {
			v.HTML = html
		}
	}
	return v
}

// explanationReady is the Debugger's completion callback.
func (s *Server) explanationReady(e aidebug.Entry) {
	log.Printf("explanation for %s: %s", e.ID, e.State)
	s.pool.Broadcast(event{Type: "explanation", Entry: view(e)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	entries := s.d.Errors().Entries()
	views := make([]*entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, view(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"errors": views})
}

// captureRequest is the body of POST /api/errors.
type captureRequest struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Type    string `json:"type"`
}

// captureResponse reports what happened to a captured error.
type captureResponse struct {
	Entry     *entryView `json:"entry,omitempty"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Ignored   bool       `json:"ignored,omitempty"`
}

func (s *Server) captureError(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lt := aidebug.LogTypeError
	if req.Type != "" {
		var err error
		lt, err = aidebug.ParseLogType(req.Type)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	e, ok := s.d.Errors().Capture(req.Message, req.Detail, lt)
	switch {
	case ok:
		writeJSON(w, http.StatusCreated, captureResponse{Entry: view(e)})
	case e.ID != "":
		writeJSON(w, http.StatusOK, captureResponse{Entry: view(e), Duplicate: true})
	default:
		writeJSON(w, http.StatusOK, captureResponse{Ignored: true})
	}
}

func (s *Server) getError(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, ok := s.d.Errors().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no such error: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, view(e))
}

func (s *Server) explainError(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	_, err := s.d.ExplainAsync(s.ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	e, _ := s.d.Errors().Get(id)
	writeJSON(w, http.StatusAccepted, view(e))
}

func (s *Server) toggleError(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.d.Toggle(s.ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	e, _ := s.d.Errors().Get(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"selected": task != nil,
		"entry":    view(e),
	})
}

// configView is the config as shown to clients.  The API key is only
// reported as set or unset.
type configView struct {
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"apiKey,omitempty"`
	APIKeySet  bool   `json:"apiKeySet"`
	Model      string `json:"model"`
	Background string `json:"background"`
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.d.Client().Config()
	writeJSON(w, http.StatusOK, configView{
		Endpoint:   cfg.Endpoint,
		APIKeySet:  cfg.APIKey != "",
		Model:      cfg.Model,
		Background: cfg.Background,
	})
}

// putConfig replaces all four settings and saves them.  The
// conversation is not reset.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var req configView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := aidebug.Config{
		Endpoint:   req.Endpoint,
		APIKey:     req.APIKey,
		Model:      req.Model,
		Background: req.Background,
	}
	if s.settings != nil {
		if err := s.settings.Save(cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.d.Client().SetConfig(cfg)
	s.getConfig(w, r)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.d.Client().Conversation()
	tokens, err := conv.TokenCount()
	if err != nil {
		log.Printf("counting tokens: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": conv.Messages(),
		"tokens":   tokens,
	})
}

// resetConversation starts a new history seeded with the current
// background information.
func (s *Server) resetConversation(w http.ResponseWriter, r *http.Request) {
	cfg := s.d.Client().Config()
	s.d.Client().Conversation().Initialize(cfg.Background)
	s.getConversation(w, r)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": aidebug.Version})
}

// wsHandler upgrades the connection and registers the client.  The
// first event a client receives is "hello"; after that it gets every
// explanation event.  Clients may send {"type":"explain","id":...} or
// {"type":"toggle","id":...}.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	client := newWSClient(conn, s.pool)
	if !s.pool.join(client) {
		conn.Close()
		return
	}
	client.reply(event{Type: "hello", Data: map[string]string{"version": aidebug.Version}})
	go client.writePump()
	go client.readPump(s.handleClientMsg)
}

func (s *Server) handleClientMsg(c *wsClient, msg clientMsg) {
	var err error
	switch msg.Type {
	case "explain":
		_, err = s.d.ExplainAsync(s.ctx, msg.ID)
	case "toggle":
		_, err = s.d.Toggle(s.ctx, msg.ID)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		c.reply(event{Type: "error", Error: err.Error()})
	}
}
