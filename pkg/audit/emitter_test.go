package audit

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type failingEmitter struct{}

func (failingEmitter) Emit(Event) error { return errors.New("backend down") }

func TestMultiEmitter_FansOut(t *testing.T) {
	t.Log("Testing that MultiEmitter writes to every backend and swallows failures")

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	first := &MemoryEmitter{}
	second := &MemoryEmitter{}
	multi := NewMultiEmitter(logger, first, failingEmitter{}, second)

	if err := multi.Emit(NewDeviceRetire("alice", 1)); err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}

	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Fatalf("expected one event in each backend, got %d and %d", len(first.Events()), len(second.Events()))
	}
	if !strings.Contains(logBuf.String(), "audit emit failed") {
		t.Errorf("backend failure was not logged: %s", logBuf.String())
	}
}

func TestMultiEmitter_NilLogger(t *testing.T) {
	multi := NewMultiEmitter(nil, failingEmitter{})
	if multi.logger == nil {
		t.Fatal("nil logger should default to slog.Default()")
	}
	if err := multi.Emit(NewDeviceRetire("alice", 1)); err != nil {
		t.Errorf("Emit returned error: %v", err)
	}
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(slog.New(slog.NewTextHandler(&buf, nil)))

	ev := NewPolicyRevoke("bob", 12).WithRequestID("req-9")
	if err := emitter.Emit(ev); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	got := buf.String()
	t.Logf("log line: %s", got)
	for _, want := range []string{"level=WARN", "event=policy.revoke", "actor=bob", "request_id=req-9", "policy_id=12"} {
		if !strings.Contains(got, want) {
			t.Errorf("log line missing %q", want)
		}
	}
}

func TestMemoryEmitter_Types(t *testing.T) {
	m := &MemoryEmitter{}
	m.Emit(NewDeviceEnroll("a", 1, "", 0))
	m.Emit(NewDeviceRetire("a", 1))

	types := m.Types()
	if len(types) != 2 || types[0] != EventDeviceEnroll || types[1] != EventDeviceRetire {
		t.Errorf("Types() = %v", types)
	}
}

func TestNopEmitter_Discard(t *testing.T) {
	var e EventEmitter = NopEmitter{}
	if err := e.Emit(NewDeviceRetire("a", 1)); err != nil {
		t.Errorf("NopEmitter.Emit returned error: %v", err)
	}
}
