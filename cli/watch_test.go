package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stevegt/aidebug"
	"github.com/stevegt/aidebug/mock"
	. "github.com/stevegt/goadapt"
)

// syncBuffer is a bytes.Buffer that is safe to write from the watcher
// goroutines while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, b *syncBuffer, want string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(b.String(), want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in %q", want, b.String())
}

func TestWatchExplains(t *testing.T) {
	srv := mock.NewServer()
	defer srv.Close()
	srv.SetReply("Check the spelling of spd.")

	fn := filepath.Join(t.TempDir(), "Editor.log")
	log := "Compiling scripts\n\n" +
		"Assets/Scripts/Enemy.cs(10,5): error CS0103: The name 'spd' does not exist\n\n" +
		"Assets/Scripts/Enemy.cs(10,5): error CS0103: The name 'spd' does not exist\n\n"
	err := os.WriteFile(fn, []byte(log), 0644)
	Tassert(t, err == nil, "%v", err)

	var stdout syncBuffer
	config := NewCliConfig()
	config.Stdout = &stdout
	config.Stderr = io.Discard
	cfg := aidebug.Config{Endpoint: srv.URL, APIKey: "sk-test", Model: "gpt-3.5-turbo"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, config, cfg, cmdWatch{Logfile: fn, Explain: true, FromStart: true}, 0)
	}()

	waitFor(t, &stdout, "error: Assets/Scripts/Enemy.cs(10,5)")
	waitFor(t, &stdout, "Check the spelling of spd.")
	cancel()
	err = <-done
	Tassert(t, err == nil, "%v", err)

	// the repeated error is captured and explained once
	Tassert(t, strings.Count(stdout.String(), "error CS0103") == 2, "got %q", stdout.String())
	Tassert(t, len(srv.Requests()) == 1, "got %d requests", len(srv.Requests()))
	Tassert(t, !strings.Contains(stdout.String(), "Compiling scripts"), "got %q", stdout.String())
}
