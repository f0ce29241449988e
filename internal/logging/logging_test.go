package logging

import (
	"context"
	"sync"
	"testing"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []entry
}

type entry struct {
	level string
	msg   string
	kv    []interface{}
}

func (r *recordingLogger) add(level, msg string, kv []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{level: level, msg: msg, kv: kv})
}

func (r *recordingLogger) Infow(msg string, kv ...interface{})  { r.add("info", msg, kv) }
func (r *recordingLogger) Debugw(msg string, kv ...interface{}) { r.add("debug", msg, kv) }
func (r *recordingLogger) Warnw(msg string, kv ...interface{})  { r.add("warn", msg, kv) }
func (r *recordingLogger) Errorw(msg string, kv ...interface{}) { r.add("error", msg, kv) }
func (r *recordingLogger) Fatalw(msg string, kv ...interface{}) { r.add("fatal", msg, kv) }
func (r *recordingLogger) Sync() error                          { return nil }

func TestInfowCtxMergesContextFields(t *testing.T) {
	rec := &recordingLogger{}
	SetLogger(rec)
	defer SetLogger(nil)

	ctx := WithFields(context.Background(), "turn.id", "t1")
	ctx = WithFields(ctx, "speaker.id", "s1")
	InfowCtx(ctx, "turn started", "state", "received")

	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(rec.entries))
	}
	got := rec.entries[0].kv
	want := []interface{}{"turn.id", "t1", "speaker.id", "s1", "state", "received"}
	if len(got) != len(want) {
		t.Fatalf("kv length mismatch: want=%v got=%v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kv[%d]: want=%v got=%v", i, want[i], got[i])
		}
	}
}

func TestSetLoggerNilResetsToNoop(t *testing.T) {
	rec := &recordingLogger{}
	SetLogger(rec)
	SetLogger(nil)
	Warnw("dropped")
	if len(rec.entries) != 0 {
		t.Fatalf("expected recording logger to be detached, got %d entries", len(rec.entries))
	}
}

func TestSpeakerFieldsOmitsEmptyName(t *testing.T) {
	if got := SpeakerFields("42", ""); len(got) != 2 {
		t.Fatalf("expected only id field, got %v", got)
	}
	if got := SpeakerFields("42", "alice"); len(got) != 4 {
		t.Fatalf("expected id and name fields, got %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "debug", "WARN": "warn", "error": "error", "": "info", "bogus": "info"}
	for in, want := range cases {
		if got := ParseLevel(in).String(); got != want {
			t.Fatalf("ParseLevel(%q): want=%s got=%s", in, want, got)
		}
	}
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")
	SetLevel("debug")
	if got := level.Level().String(); got != "debug" {
		t.Fatalf("want debug, got %s", got)
	}
	SetLevel("error")
	if got := level.Level().String(); got != "error" {
		t.Fatalf("want error, got %s", got)
	}
}
