package logwatch

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	. "github.com/stevegt/goadapt"
)

// Watcher follows a log file and emits the blocks appended to it.
type Watcher struct {
	// Path is the log file to follow.  It need not exist yet.
	Path string
	// FromStart makes the watcher emit blocks already in the file
	// instead of starting at its current end.
	FromStart bool
	// Emit is called for each block, from the Run goroutine.
	Emit func(Block)

	offset int64
	split  *Splitter
	ready  chan struct{}
}

// NewWatcher returns a Watcher for the log at path.
func NewWatcher(path string, fromStart bool, emit func(Block)) *Watcher {
	return &Watcher{
		Path:      path,
		FromStart: fromStart,
		Emit:      emit,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once Run has started watching.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is done.  Any block still pending when ctx
// ends is flushed.  The directory holding Path is watched so that a
// log that is removed and recreated keeps being followed.
func (w *Watcher) Run(ctx context.Context) (err error) {
	defer Return(&err)
	Assert(w.ready != nil, "Watcher must be created with NewWatcher")

	path, err := filepath.Abs(w.Path)
	Ck(err)
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	Ck(err)
	path = filepath.Join(dir, filepath.Base(path))
	w.split = NewSplitter(w.Emit)

	fsw, err := fsnotify.NewWatcher()
	Ck(err)
	defer fsw.Close()
	err = fsw.Add(dir)
	Ck(err)

	if !w.FromStart {
		fi, err := os.Stat(path)
		if err == nil {
			w.offset = fi.Size()
		}
	}
	err = w.readAppended(path)
	Ck(err)
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			w.split.Flush()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			Debug("logwatch: %s", ev)
			switch {
			case ev.Has(fsnotify.Create):
				w.offset = 0
				w.split.Reset()
				err = w.readAppended(path)
				Ck(err)
			case ev.Has(fsnotify.Write):
				err = w.readAppended(path)
				Ck(err)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.split.Flush()
				w.offset = 0
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			Ck(err)
		}
	}
}

// readAppended feeds everything past the current offset to the
// splitter.  A file shorter than the offset has been truncated and is
// read from the start.
func (w *Watcher) readAppended(path string) (err error) {
	defer Return(&err)
	fh, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	Ck(err)
	defer fh.Close()
	fi, err := fh.Stat()
	Ck(err)
	if fi.Size() < w.offset {
		Debug("logwatch: %s truncated", path)
		w.offset = 0
		w.split.Reset()
	}
	_, err = fh.Seek(w.offset, io.SeekStart)
	Ck(err)
	n, err := io.Copy(w.split, fh)
	Ck(err)
	w.offset += n
	return
}
