package audit

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const (
	reconnectBackoffInit = 100 * time.Millisecond
	reconnectBackoffMax  = 30 * time.Second
)

// SyslogEmitter writes audit events to the local syslog daemon as RFC 5424
// messages with structured data.
//
// A daemon restart is survived: the emitter redials on the next event after
// a failed write.
type SyslogEmitter struct {
	conn       net.Conn
	hostname   string
	appName    string
	facility   Facility
	socketPath string

	mu    sync.Mutex
	retry redialBackoff
}

// SyslogConfig holds configuration for the syslog writer.
type SyslogConfig struct {
	SocketPath string   // Default: "/dev/log"
	Hostname   string   // Default: os.Hostname()
	AppName    string   // Default: "verdictd"
	Facility   Facility // Default: FacLocal0
}

// NewSyslogEmitter connects to the local syslog daemon. Returns an error if
// the socket is unavailable; callers should fall back to log-only auditing.
func NewSyslogEmitter(cfg SyslogConfig) (*SyslogEmitter, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/dev/log"
	}
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			cfg.Hostname = "unknown"
		} else {
			cfg.Hostname = h
		}
	}
	if cfg.AppName == "" {
		cfg.AppName = "verdictd"
	}
	if cfg.Facility == 0 {
		cfg.Facility = FacLocal0
	}

	conn, err := dialSyslog(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("syslog connect: %w", err)
	}

	return &SyslogEmitter{
		conn:       conn,
		hostname:   cfg.Hostname,
		appName:    cfg.AppName,
		facility:   cfg.Facility,
		socketPath: cfg.SocketPath,
	}, nil
}

// Emit converts an audit Event to an RFC 5424 message and writes it to the
// syslog socket. Safe to call on a nil receiver (returns nil).
func (w *SyslogEmitter) Emit(ev Event) error {
	if w == nil {
		return nil
	}
	return w.write(FormatMessage(w.message(ev)))
}

func (w *SyslogEmitter) message(ev Event) Message {
	params := make([]SDParam, 0, len(ev.Details)+2)
	if ev.ActorID != "" {
		params = append(params, SDParam{Name: "actor_id", Value: ev.ActorID})
	}
	if ev.RequestID != "" {
		params = append(params, SDParam{Name: "request_id", Value: ev.RequestID})
	}
	// Details are emitted in key order so identical events format identically.
	for _, k := range sortedKeys(ev.Details) {
		params = append(params, SDParam{Name: k, Value: ev.Details[k]})
	}

	return Message{
		Facility:  w.facility,
		Severity:  ev.Severity,
		Timestamp: ev.Timestamp,
		Hostname:  w.hostname,
		AppName:   w.appName,
		MessageID: string(ev.Type),
		SD: []SDElement{{
			ID:     sdID,
			Params: params,
		}},
	}
}

// write sends data to the daemon. A failed write drops the connection and
// redials once; redials are spaced by redialBackoff while the daemon stays
// away.
func (w *SyslogEmitter) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		if _, err := w.conn.Write(data); err == nil {
			w.retry.reset()
			return nil
		}
		w.conn.Close()
		w.conn = nil
	}

	now := time.Now()
	if left := w.retry.remaining(now); left > 0 {
		return fmt.Errorf("syslog unavailable, next redial in %v", left.Round(time.Millisecond))
	}
	conn, err := dialSyslog(w.socketPath)
	if err != nil {
		w.retry.failed(now)
		return fmt.Errorf("syslog redial: %w", err)
	}
	w.conn = conn
	w.retry.reset()
	_, err = conn.Write(data)
	return err
}

// Close closes the syslog socket connection.
// Safe to call on a nil receiver (returns nil).
func (w *SyslogEmitter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// redialBackoff doubles the pause between failed redials, from
// reconnectBackoffInit up to reconnectBackoffMax.
type redialBackoff struct {
	delay    time.Duration
	failedAt time.Time
}

func (b *redialBackoff) remaining(now time.Time) time.Duration {
	if b.delay == 0 {
		return 0
	}
	return b.delay - now.Sub(b.failedAt)
}

func (b *redialBackoff) failed(now time.Time) {
	b.failedAt = now
	if b.delay == 0 {
		b.delay = reconnectBackoffInit
		return
	}
	b.delay = min(b.delay*2, reconnectBackoffMax)
}

func (b *redialBackoff) reset() {
	*b = redialBackoff{}
}

// dialSyslog connects to the local syslog daemon. Tries unixgram (datagram) first,
// falls back to unix (stream) for compatibility with different syslog implementations.
func dialSyslog(socketPath string) (net.Conn, error) {
	conn, err := net.Dial("unixgram", socketPath)
	if err == nil {
		return conn, nil
	}
	return net.Dial("unix", socketPath)
}
