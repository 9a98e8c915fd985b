package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// EventEmitter accepts structured audit events for recording.
type EventEmitter interface {
	Emit(Event) error
}

// NopEmitter discards all events. Use when no audit backend is configured.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(Event) error { return nil }

// MultiEmitter fans events out to several backends. Backend failures are
// logged and never returned: audit failures must not fail the operation that
// produced the event.
type MultiEmitter struct {
	backends []EventEmitter
	logger   *slog.Logger
}

// NewMultiEmitter creates an emitter that forwards events to the given backends.
// If logger is nil, slog.Default() is used for error reporting.
func NewMultiEmitter(logger *slog.Logger, backends ...EventEmitter) *MultiEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiEmitter{backends: backends, logger: logger}
}

// Emit writes ev to every backend.
func (m *MultiEmitter) Emit(ev Event) error {
	for _, b := range m.backends {
		if err := b.Emit(ev); err != nil {
			m.logger.Error("audit emit failed", "event", string(ev.Type), "error", err)
		}
	}
	return nil
}

// LogEmitter writes events as structured log records.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter. If logger is nil, slog.Default() is used.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the event at a level derived from its severity.
func (l *LogEmitter) Emit(ev Event) error {
	level := slog.LevelInfo
	if ev.Severity <= SeverityWarning {
		level = slog.LevelWarn
	}

	attrs := []any{"event", string(ev.Type)}
	if ev.ActorID != "" {
		attrs = append(attrs, "actor", ev.ActorID)
	}
	if ev.RequestID != "" {
		attrs = append(attrs, "request_id", ev.RequestID)
	}
	for _, k := range sortedKeys(ev.Details) {
		attrs = append(attrs, k, ev.Details[k])
	}
	l.logger.Log(context.Background(), level, "audit", attrs...)
	return nil
}

// MemoryEmitter keeps events in memory. Used by tests and the CLI's local mode.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
}

// Emit records the event.
func (m *MemoryEmitter) Emit(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryEmitter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the recorded event types in order.
func (m *MemoryEmitter) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]EventType, len(m.events))
	for i, ev := range m.events {
		types[i] = ev.Type
	}
	return types
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
