package aidebug

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogType is the severity of an engine log message.
type LogType int

const (
	LogTypeLog LogType = iota
	LogTypeWarning
	LogTypeAssert
	LogTypeError
	LogTypeException
)

var logTypeNames = map[LogType]string{
	LogTypeLog:       "log",
	LogTypeWarning:   "warning",
	LogTypeAssert:    "assert",
	LogTypeError:     "error",
	LogTypeException: "exception",
}

func (t LogType) String() string {
	name, ok := logTypeNames[t]
	if !ok {
		return fmt.Sprintf("LogType(%d)", int(t))
	}
	return name
}

// ParseLogType converts a name such as "error" back to a LogType.
func ParseLogType(name string) (t LogType, err error) {
	for t, n := range logTypeNames {
		if n == name {
			return t, nil
		}
	}
	err = fmt.Errorf("unknown log type %q", name)
	return
}

// State tracks an entry's explanation.
type State string

const (
	StateCaptured   State = "captured"
	StateExplaining State = "explaining"
	StateExplained  State = "explained"
	StateFailed     State = "failed"
)

// Entry is a captured error.
type Entry struct {
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	Detail      string    `json:"detail"`
	Type        string    `json:"type"`
	Captured    time.Time `json:"captured"`
	State       State     `json:"state"`
	Explanation string    `json:"explanation,omitempty"`
	Failure     string    `json:"failure,omitempty"`
}

// ErrorLog holds captured errors in capture order, de-duplicated by
// exact message text.
type ErrorLog struct {
	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	byMsg   map[string]*Entry
}

// NewErrorLog returns an empty log.
func NewErrorLog() *ErrorLog {
	return &ErrorLog{
		byID:  make(map[string]*Entry),
		byMsg: make(map[string]*Entry),
	}
}

// Capture records an error or exception.  Other log types and messages
// that were already captured are ignored; ok reports whether a new
// entry was stored.  For a duplicate the existing entry is returned.
func (l *ErrorLog) Capture(message, detail string, t LogType) (entry Entry, ok bool) {
	if t != LogTypeError && t != LogTypeException {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, found := l.byMsg[message]; found {
		return *e, false
	}
	e := &Entry{
		ID:       uuid.NewString(),
		Message:  message,
		Detail:   detail,
		Type:     t.String(),
		Captured: time.Now(),
		State:    StateCaptured,
	}
	l.entries = append(l.entries, e)
	l.byID[e.ID] = e
	l.byMsg[message] = e
	return *e, true
}

// OnErrorCaptured records an error with its detail text.
func (l *ErrorLog) OnErrorCaptured(message, detail string) (Entry, bool) {
	return l.Capture(message, detail, LogTypeError)
}

// Get returns a copy of the entry with the given ID.
func (l *ErrorLog) Get(id string) (entry Entry, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return
	}
	return *e, true
}

// Entries returns copies of all entries in capture order.
func (l *ErrorLog) Entries() (entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries = make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, *e)
	}
	return
}

// Len returns the number of captured errors.
func (l *ErrorLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// update applies fn to the stored entry and returns a copy of the
// result.
func (l *ErrorLog) update(id string, fn func(e *Entry)) (entry Entry, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return
	}
	fn(e)
	return *e, true
}
