package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stevegt/aidebug"
	"github.com/stevegt/aidebug/mock"
	. "github.com/stevegt/goadapt"
)

type fixture struct {
	mock *mock.Server
	d    *aidebug.Debugger
	srv  *Server
	http *httptest.Server
}

func setup(t *testing.T) *fixture {
	m := mock.NewServer()
	cfg := aidebug.Config{
		Endpoint:   m.URL,
		APIKey:     "sk-test",
		Model:      "gpt-3.5-turbo",
		Background: "You explain engine errors.",
	}
	client := aidebug.NewClient(cfg, nil, aidebug.WithStderr(io.Discard))
	d := aidebug.NewDebugger(aidebug.NewErrorLog(), client, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, d, nil)
	f := &fixture{mock: m, d: d, srv: s, http: httptest.NewServer(s.Handler())}
	t.Cleanup(func() {
		f.http.Close()
		cancel()
		m.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (code int, out map[string]interface{}) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		Tassert(t, err == nil, "%v", err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	Tassert(t, err == nil, "%v", err)
	res, err := http.DefaultClient.Do(req)
	Tassert(t, err == nil, "%v", err)
	defer res.Body.Close()
	err = json.NewDecoder(res.Body).Decode(&out)
	Tassert(t, err == nil, "%v", err)
	return res.StatusCode, out
}

func (f *fixture) capture(t *testing.T, message, typ string) (code int, out map[string]interface{}) {
	return f.do(t, http.MethodPost, "/api/errors", map[string]string{
		"message": message,
		"detail":  "at Player.Update()",
		"type":    typ,
	})
}

func entryID(t *testing.T, out map[string]interface{}) string {
	entry, ok := out["entry"].(map[string]interface{})
	Tassert(t, ok, "no entry in %v", out)
	id, _ := entry["id"].(string)
	Tassert(t, id != "", "no id in %v", entry)
	return id
}

func TestCapture(t *testing.T) {
	f := setup(t)

	code, out := f.capture(t, "NullReferenceException", "exception")
	Tassert(t, code == http.StatusCreated, "code %d", code)
	id := entryID(t, out)

	code, out = f.capture(t, "NullReferenceException", "exception")
	Tassert(t, code == http.StatusOK, "code %d", code)
	Tassert(t, out["duplicate"] == true, "got %v", out)
	Tassert(t, entryID(t, out) == id, "duplicate returned a different entry")

	code, out = f.capture(t, "just a warning", "warning")
	Tassert(t, code == http.StatusOK, "code %d", code)
	Tassert(t, out["ignored"] == true, "got %v", out)

	code, out = f.capture(t, "x", "bogus")
	Tassert(t, code == http.StatusBadRequest, "code %d", code)

	code, out = f.do(t, http.MethodGet, "/api/errors", nil)
	Tassert(t, code == http.StatusOK, "code %d", code)
	list, _ := out["errors"].([]interface{})
	Tassert(t, len(list) == 1, "got %v", out)

	code, out = f.do(t, http.MethodGet, "/api/errors/"+id, nil)
	Tassert(t, code == http.StatusOK, "code %d", code)
	Tassert(t, out["state"] == string(aidebug.StateCaptured), "got %v", out)

	code, _ = f.do(t, http.MethodGet, "/api/errors/nope", nil)
	Tassert(t, code == http.StatusNotFound, "code %d", code)
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	Tassert(t, err == nil, "%v", err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (ev map[string]interface{}) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	err := conn.ReadJSON(&ev)
	Tassert(t, err == nil, "%v", err)
	return
}

func TestExplainPushesEvent(t *testing.T) {
	f := setup(t)
	f.mock.SetReply("The **player** field is null.")
	conn := dial(t, f)
	ev := readEvent(t, conn)
	Tassert(t, ev["type"] == "hello", "got %v", ev)

	_, out := f.capture(t, "NullReferenceException", "exception")
	id := entryID(t, out)

	code, out := f.do(t, http.MethodPost, "/api/errors/"+id+"/explain", nil)
	Tassert(t, code == http.StatusAccepted, "code %d", code)

	ev = readEvent(t, conn)
	Tassert(t, ev["type"] == "explanation", "got %v", ev)
	entry, _ := ev["entry"].(map[string]interface{})
	Tassert(t, entry["id"] == id, "got %v", entry)
	Tassert(t, entry["state"] == string(aidebug.StateExplained), "got %v", entry)
	Tassert(t, entry["explanation"] == "The **player** field is null.", "got %v", entry)
	Tassert(t, entry["html"] == "<p>The <strong>player</strong> field is null.</p>\n", "got %q", entry["html"])

	reqs := f.mock.Requests()
	Tassert(t, len(reqs) == 1, "got %d requests", len(reqs))
	Tassert(t, reqs[0].Messages[1].Content == aidebug.Prompt("NullReferenceException", "at Player.Update()"), "got %q", reqs[0].Messages[1].Content)
}

func TestExplainFailureEvent(t *testing.T) {
	f := setup(t)
	f.mock.SetStatus(http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error","param":null,"code":"invalid_api_key"}}`)
	conn := dial(t, f)
	readEvent(t, conn)

	_, out := f.capture(t, "error CS0103", "error")
	id := entryID(t, out)
	code, _ := f.do(t, http.MethodPost, "/api/errors/"+id+"/explain", nil)
	Tassert(t, code == http.StatusAccepted, "code %d", code)

	ev := readEvent(t, conn)
	entry, _ := ev["entry"].(map[string]interface{})
	Tassert(t, entry["state"] == string(aidebug.StateFailed), "got %v", entry)
	Tassert(t, f.d.Client().Conversation().Len() == 1, "conversation changed on failure")
}

func TestWebSocketToggle(t *testing.T) {
	f := setup(t)
	conn := dial(t, f)
	readEvent(t, conn)
	Tassert(t, f.srv.Pool().Len() == 1, "got %d clients", f.srv.Pool().Len())

	_, out := f.capture(t, "error CS0103", "error")
	id := entryID(t, out)

	err := conn.WriteJSON(map[string]string{"type": "toggle", "id": id})
	Tassert(t, err == nil, "%v", err)
	ev := readEvent(t, conn)
	Tassert(t, ev["type"] == "explanation", "got %v", ev)
	sel, ok := f.d.Selected()
	Tassert(t, ok && sel.ID == id, "got %v %v", sel, ok)

	err = conn.WriteJSON(map[string]string{"type": "explain", "id": "nope"})
	Tassert(t, err == nil, "%v", err)
	ev = readEvent(t, conn)
	Tassert(t, ev["type"] == "error", "got %v", ev)
}

func TestToggleRoute(t *testing.T) {
	f := setup(t)
	_, out := f.capture(t, "error CS0103", "error")
	id := entryID(t, out)

	code, out := f.do(t, http.MethodPost, "/api/errors/"+id+"/toggle", nil)
	Tassert(t, code == http.StatusOK, "code %d", code)
	Tassert(t, out["selected"] == true, "got %v", out)

	code, out = f.do(t, http.MethodPost, "/api/errors/"+id+"/toggle", nil)
	Tassert(t, code == http.StatusOK, "code %d", code)
	Tassert(t, out["selected"] == false, "got %v", out)
	_, ok := f.d.Selected()
	Tassert(t, !ok, "still selected")
}

func TestConfig(t *testing.T) {
	f := setup(t)
	code, out := f.do(t, http.MethodGet, "/api/config", nil)
	Tassert(t, code == http.StatusOK, "code %d", code)
	Tassert(t, out["apiKeySet"] == true, "got %v", out)
	_, leaked := out["apiKey"]
	Tassert(t, !leaked, "api key leaked: %v", out)
	Tassert(t, out["model"] == "gpt-3.5-turbo", "got %v", out)

	code, out = f.do(t, http.MethodPut, "/api/config", map[string]string{
		"endpoint":   f.mock.URL,
		"apiKey":     "sk-other",
		"model":      "gpt-4",
		"background": "Be brief.",
	})
	Tassert(t, code == http.StatusOK, "code %d", code)
	Tassert(t, out["model"] == "gpt-4", "got %v", out)

	cfg := f.d.Client().Config()
	Tassert(t, cfg.APIKey == "sk-other", "got %q", cfg.APIKey)
	Tassert(t, cfg.Background == "Be brief.", "got %q", cfg.Background)
}

func TestConversationReset(t *testing.T) {
	f := setup(t)
	_, err := f.d.Client().Explain(context.Background(), "hello")
	Tassert(t, err == nil, "%v", err)

	code, out := f.do(t, http.MethodGet, "/api/conversation", nil)
	Tassert(t, code == http.StatusOK, "code %d", code)
	msgs, _ := out["messages"].([]interface{})
	Tassert(t, len(msgs) == 3, "got %v", out)
	tokens, _ := out["tokens"].(float64)
	Tassert(t, tokens > 0, "got %v", out)

	code, out = f.do(t, http.MethodPost, "/api/conversation/reset", nil)
	Tassert(t, code == http.StatusOK, "code %d", code)
	msgs, _ = out["messages"].([]interface{})
	Tassert(t, len(msgs) == 1, "got %v", out)
	first, _ := msgs[0].(map[string]interface{})
	Tassert(t, first["role"] == "system" && first["content"] == "You explain engine errors.", "got %v", first)
}

func TestVersion(t *testing.T) {
	f := setup(t)
	code, out := f.do(t, http.MethodGet, "/api/version", nil)
	Tassert(t, code == http.StatusOK, "code %d", code)
	Tassert(t, out["version"] == aidebug.Version, "got %v", out)
}
