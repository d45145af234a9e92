// Package logwatch reads engine log files and turns their entries into
// captured errors.
//
// An engine log is a sequence of blocks separated by blank lines.  The
// first line of a block is the message; the remaining lines are the
// detail, usually a stack trace.
package logwatch

import (
	"bytes"
	"io"
	"strings"

	"github.com/stevegt/aidebug"
	. "github.com/stevegt/goadapt"
)

// Block is one log entry.
type Block struct {
	Message string
	Detail  string
	Type    aidebug.LogType
}

// Classify guesses a log type from a message line.
func Classify(message string) aidebug.LogType {
	switch {
	case strings.Contains(message, "Exception"):
		return aidebug.LogTypeException
	case strings.Contains(strings.ToLower(message), "error"):
		return aidebug.LogTypeError
	case strings.Contains(strings.ToLower(message), "warning"):
		return aidebug.LogTypeWarning
	}
	return aidebug.LogTypeLog
}

// Splitter cuts a byte stream into blocks.  A block is emitted once the
// blank line after it has been seen, so a block still being written is
// held back until more data arrives or Flush is called.
type Splitter struct {
	emit  func(Block)
	buf   []byte
	lines []string
}

// NewSplitter returns a Splitter that calls emit for each block.
func NewSplitter(emit func(Block)) *Splitter {
	return &Splitter{emit: emit}
}

// Write feeds data to the splitter.  It never fails.
func (s *Splitter) Write(p []byte) (n int, err error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(s.buf[:i]), "\r")
		s.buf = s.buf[i+1:]
		if strings.TrimSpace(line) == "" {
			s.cut()
			continue
		}
		s.lines = append(s.lines, line)
	}
	return len(p), nil
}

// Flush emits any pending block, including an unterminated last line.
func (s *Splitter) Flush() {
	if len(s.buf) > 0 {
		line := strings.TrimRight(string(s.buf), "\r")
		s.buf = nil
		if strings.TrimSpace(line) != "" {
			s.lines = append(s.lines, line)
		}
	}
	s.cut()
}

// Reset discards pending data.
func (s *Splitter) Reset() {
	s.buf = nil
	s.lines = nil
}

func (s *Splitter) cut() {
	if len(s.lines) == 0 {
		return
	}
	b := Block{
		Message: s.lines[0],
		Detail:  strings.Join(s.lines[1:], "\n"),
		Type:    Classify(s.lines[0]),
	}
	s.lines = nil
	s.emit(b)
}

// Parse reads a whole log and calls fn for each block.
func Parse(r io.Reader, fn func(Block)) (err error) {
	defer Return(&err)
	s := NewSplitter(fn)
	_, err = io.Copy(s, r)
	Ck(err)
	s.Flush()
	return
}
