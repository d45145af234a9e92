package aidebug

import (
	"testing"

	. "github.com/stevegt/goadapt"
)

func TestCaptureDedup(t *testing.T) {
	l := NewErrorLog()
	first, ok := l.OnErrorCaptured("E", "d1")
	Tassert(t, ok, "first capture should be stored")
	dup, ok := l.OnErrorCaptured("E", "d2")
	Tassert(t, !ok, "duplicate should be ignored")
	Tassert(t, dup.ID == first.ID, "duplicate returned %s want %s", dup.ID, first.ID)
	Tassert(t, l.Len() == 1, "len %d", l.Len())

	entries := l.Entries()
	Tassert(t, entries[0].Detail == "d1", "detail %q", entries[0].Detail)
	Tassert(t, entries[0].State == StateCaptured, "state %q", entries[0].State)
}

// Only errors and exceptions are captured.
func TestCaptureFiltersLogTypes(t *testing.T) {
	l := NewErrorLog()
	for _, lt := range []LogType{LogTypeLog, LogTypeWarning, LogTypeAssert} {
		_, ok := l.Capture("msg "+lt.String(), "", lt)
		Tassert(t, !ok, "%s should be ignored", lt)
	}
	_, ok := l.Capture("boom", "", LogTypeException)
	Tassert(t, ok)
	_, ok = l.Capture("bang", "", LogTypeError)
	Tassert(t, ok)
	entries := l.Entries()
	Tassert(t, len(entries) == 2, "got %d", len(entries))
	Tassert(t, entries[0].Message == "boom" && entries[0].Type == "exception", "got %#v", entries[0])
	Tassert(t, entries[1].Message == "bang" && entries[1].Type == "error", "got %#v", entries[1])
}

func TestGet(t *testing.T) {
	l := NewErrorLog()
	e, _ := l.OnErrorCaptured("E", "d")
	got, ok := l.Get(e.ID)
	Tassert(t, ok)
	Tassert(t, got.Message == "E", "got %#v", got)
	_, ok = l.Get("nope")
	Tassert(t, !ok)
}

func TestParseLogType(t *testing.T) {
	for _, lt := range []LogType{LogTypeLog, LogTypeWarning, LogTypeAssert, LogTypeError, LogTypeException} {
		got, err := ParseLogType(lt.String())
		Tassert(t, err == nil, "%v", err)
		Tassert(t, got == lt, "got %v want %v", got, lt)
	}
	_, err := ParseLogType("fatal")
	Tassert(t, err != nil)
	Tassert(t, LogType(42).String() == "LogType(42)")
}
