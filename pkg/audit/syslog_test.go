package audit

import (
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

// testSocketPath returns a short, unique Unix socket path for testing.
// Unix socket paths have a 108-character limit.
func testSocketPath(suffix string) string {
	return fmt.Sprintf("/tmp/verdict_syslog_%d_%s.sock", os.Getpid(), suffix)
}

func listenUnixgram(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	addr := net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", &addr)
	if err != nil {
		t.Fatalf("failed to create mock syslog listener: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("failed to read from mock socket: %v", err)
	}
	return string(buf[:n])
}

func TestSyslogEmitter_MessageDelivery(t *testing.T) {
	t.Log("Testing that Emit delivers a valid RFC 5424 message to the socket")

	socketPath := testSocketPath("delivery")
	t.Cleanup(func() { os.Remove(socketPath) })
	conn := listenUnixgram(t, socketPath)
	defer conn.Close()

	emitter, err := NewSyslogEmitter(SyslogConfig{
		SocketPath: socketPath,
		Hostname:   "test.local",
	})
	if err != nil {
		t.Fatalf("NewSyslogEmitter failed: %v", err)
	}
	defer emitter.Close()

	ev := NewDeviceResurrect("alice", 100, 101, "trusted").WithRequestID("req-001")
	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, "2026-02-04T15:30:00.000Z")

	if err := emitter.Emit(ev); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	got := readMessage(t, conn)
	t.Logf("Received message: %s", got)

	want := `<133>1 2026-02-04T15:30:00.000Z test.local verdictd - device.resurrect ` +
		`[verdict actor_id="alice" request_id="req-001" device_id="101" replaces_id="100" state="trusted"]`
	if got != want {
		t.Errorf("message mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestSyslogEmitter_UnavailableSocket(t *testing.T) {
	_, err := NewSyslogEmitter(SyslogConfig{SocketPath: testSocketPath("missing")})
	if err == nil {
		t.Fatal("expected error for missing socket")
	}
}

func TestSyslogEmitter_Reconnect(t *testing.T) {
	t.Log("Testing that the emitter reconnects after socket failure")

	socketPath := testSocketPath("reconnect")
	t.Cleanup(func() { os.Remove(socketPath) })

	t.Log("Phase 1: initial write succeeds")
	listener1 := listenUnixgram(t, socketPath)
	emitter, err := NewSyslogEmitter(SyslogConfig{SocketPath: socketPath, Hostname: "test.local"})
	if err != nil {
		listener1.Close()
		t.Fatalf("NewSyslogEmitter failed: %v", err)
	}
	defer emitter.Close()

	if err := emitter.Emit(NewDeviceRetire("phase1", 1)); err != nil {
		t.Fatalf("Phase 1 write failed: %v", err)
	}
	if got := readMessage(t, listener1); !strings.Contains(got, "phase1") {
		t.Fatalf("Phase 1 message mismatch: %s", got)
	}

	t.Log("Phase 2: write fails after socket death, reconnect fails")
	listener1.Close()
	os.Remove(socketPath)

	if err := emitter.Emit(NewDeviceRetire("phase2", 1)); err == nil {
		t.Fatal("Phase 2: expected error after socket death, got nil")
	}

	t.Log("Phase 3: write succeeds after listener restart")
	time.Sleep(150 * time.Millisecond)
	listener2 := listenUnixgram(t, socketPath)
	defer listener2.Close()

	if err := emitter.Emit(NewDeviceRetire("phase3", 1)); err != nil {
		t.Fatalf("Phase 3 write failed (reconnect should have succeeded): %v", err)
	}
	if got := readMessage(t, listener2); !strings.Contains(got, "phase3") {
		t.Fatalf("Phase 3 message mismatch: %s", got)
	}
}

func TestSyslogEmitter_NilReceiverSafety(t *testing.T) {
	var emitter *SyslogEmitter
	if err := emitter.Emit(NewDeviceRetire("a", 1)); err != nil {
		t.Errorf("nil Emit returned error: %v", err)
	}
	if err := emitter.Close(); err != nil {
		t.Errorf("nil Close returned error: %v", err)
	}
}

func TestRedialBackoff(t *testing.T) {
	var b redialBackoff
	now := time.Unix(1000, 0)

	if left := b.remaining(now); left != 0 {
		t.Errorf("fresh backoff should allow a redial, got %v", left)
	}

	b.failed(now)
	if left := b.remaining(now.Add(40 * time.Millisecond)); left != 60*time.Millisecond {
		t.Errorf("expected 60ms left after first failure, got %v", left)
	}
	if left := b.remaining(now.Add(time.Second)); left > 0 {
		t.Errorf("expected redial allowed after the pause, got %v", left)
	}

	for i := 0; i < 20; i++ {
		b.failed(now)
	}
	if b.delay != reconnectBackoffMax {
		t.Errorf("expected delay capped at %v, got %v", reconnectBackoffMax, b.delay)
	}

	b.reset()
	if left := b.remaining(now); left != 0 {
		t.Errorf("reset backoff should allow a redial, got %v", left)
	}
}
