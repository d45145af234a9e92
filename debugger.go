package aidebug

import (
	"context"
	"fmt"
	"sync"

	. "github.com/stevegt/goadapt"
)

// Debugger ties the error log to the chat client.  It tracks which
// entry is selected and runs explanations in the background, calling
// the ready callback when each one finishes.
type Debugger struct {
	errors *ErrorLog
	client *Client

	mu       sync.Mutex
	selected string
	onReady  func(Entry)
}

// NewDebugger returns a Debugger over the given log and client.
// onReady may be nil.
func NewDebugger(errors *ErrorLog, client *Client, onReady func(Entry)) *Debugger {
	return &Debugger{
		errors:  errors,
		client:  client,
		onReady: onReady,
	}
}

// Errors returns the error log.
func (d *Debugger) Errors() *ErrorLog { return d.errors }

// Client returns the chat client.
func (d *Debugger) Client() *Client { return d.client }

// SetOnReady replaces the callback invoked when an explanation
// finishes.
func (d *Debugger) SetOnReady(fn func(Entry)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReady = fn
}

// Selected returns the selected entry, if any.
func (d *Debugger) Selected() (entry Entry, ok bool) {
	d.mu.Lock()
	id := d.selected
	d.mu.Unlock()
	if id == "" {
		return
	}
	return d.errors.Get(id)
}

// Toggle selects the entry with the given ID and starts explaining it,
// or deselects it if it is already selected.  task is nil when the
// entry was deselected.
func (d *Debugger) Toggle(ctx context.Context, id string) (task *Task, err error) {
	_, ok := d.errors.Get(id)
	if !ok {
		err = fmt.Errorf("no such error: %s", id)
		return
	}
	d.mu.Lock()
	if d.selected == id {
		d.selected = ""
		d.mu.Unlock()
		return
	}
	d.selected = id
	d.mu.Unlock()
	return d.ExplainAsync(ctx, id)
}

// Task is a single explanation running in the background.
type Task struct {
	done  chan struct{}
	entry Entry
	err   error
}

// Done is closed when the explanation has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the explanation finishes and returns the updated
// entry along with the chat error, if any.
func (t *Task) Wait() (Entry, error) {
	<-t.done
	return t.entry, t.err
}

// ExplainAsync starts explaining the entry with the given ID and
// returns without waiting.  Requests are not de-duplicated; starting
// a second explanation for the same entry sends a second request.
func (d *Debugger) ExplainAsync(ctx context.Context, id string) (task *Task, err error) {
	entry, ok := d.errors.update(id, func(e *Entry) {
		e.State = StateExplaining
		e.Explanation = ""
		e.Failure = ""
	})
	if !ok {
		err = fmt.Errorf("no such error: %s", id)
		return
	}
	task = &Task{done: make(chan struct{})}
	go func() {
		defer close(task.done)
		text, err := d.client.ExplainError(ctx, entry.Message, entry.Detail)
		updated, _ := d.errors.update(id, func(e *Entry) {
			if err != nil {
				e.State = StateFailed
				e.Failure = err.Error()
				return
			}
			e.State = StateExplained
			e.Explanation = text
		})
		if err != nil {
			Debug("explain %s: %v", id, err)
		}
		task.entry = updated
		task.err = err

		d.mu.Lock()
		onReady := d.onReady
		d.mu.Unlock()
		if onReady != nil {
			onReady(updated)
		}
	}()
	return
}

// Explain explains the entry with the given ID and waits for the
// result.
func (d *Debugger) Explain(ctx context.Context, id string) (entry Entry, err error) {
	task, err := d.ExplainAsync(ctx, id)
	if err != nil {
		return
	}
	return task.Wait()
}
