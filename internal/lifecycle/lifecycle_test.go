package lifecycle

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"betterfly/internal/protocol"
	"betterfly/internal/queue"
	"betterfly/internal/registry"
	"betterfly/internal/store"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "test" }

func writeFrame(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readAll(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 8192)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func newHarness(t *testing.T) (*Workers, *registry.Registry, *store.Store, *queue.Queues) {
	t.Helper()
	reg := registry.New()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.New()
	w := New(reg, st, nil, q, nil)
	return w, reg, st, q
}

func TestInitializeAcceptsLoginAndWelcomes(t *testing.T) {
	w, reg, _, _ := newHarness(t)
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	reg.Stage(5, server, fakeAddr{})

	done := make(chan struct{})
	go func() {
		w.initializeOne(context.Background(), 5)
		close(done)
	}()

	writeFrame(t, client, map[string]any{"type": 0, "from": 1001, "name": "Alice"})

	got := readAll(t, client, 2*time.Second)
	var m map[string]any
	json.Unmarshal(got, &m)
	if m["msg"] != "Welcome to Betterfly, Alice!" {
		t.Errorf("unexpected welcome payload: %v", m)
	}
	<-done

	if _, ok := reg.LookupByUser(1001); !ok {
		t.Error("expected user to be promoted into the authenticated registry")
	}
}

func TestInitializeRejectsNonLoginFirstFrame(t *testing.T) {
	w, reg, _, q := newHarness(t)
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	reg.Stage(7, server, fakeAddr{})

	done := make(chan struct{})
	go func() {
		w.initializeOne(context.Background(), 7)
		close(done)
	}()

	writeFrame(t, client, map[string]any{"type": 2, "from": 1, "to": 2, "name": "x", "msg": "hi", "msg_type": "text"})
	<-done

	select {
	case job := <-q.Disconnect:
		if job.Abnormal {
			t.Error("expected a non-abnormal disconnect for non-Login first frame")
		}
	default:
		t.Fatal("expected a disconnect job to be enqueued")
	}
}

func TestInitializeReplaysOfflineMessages(t *testing.T) {
	w, reg, st, _ := newHarness(t)
	if err := st.Login(context.Background(), 1002, "Bob", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := st.InsertMessage(context.Background(), 1003, 1002, time.Now(), "while you were out", "text", false); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	reg.Stage(9, server, fakeAddr{})

	done := make(chan struct{})
	go func() {
		w.initializeOne(context.Background(), 9)
		close(done)
	}()

	writeFrame(t, client, map[string]any{"type": 0, "from": 1002, "name": "Bob"})
	readAll(t, client, 2*time.Second) // welcome

	got := readAll(t, client, 2*time.Second)
	var m map[string]any
	json.Unmarshal(got, &m)
	if m["msg"] != "while you were out" {
		t.Errorf("expected replayed offline message, got %v", m)
	}
	<-done
}

func TestDisconnectOrderlySendsGoodbye(t *testing.T) {
	w, reg, _, q := newHarness(t)
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	reg.Stage(3, server, fakeAddr{})
	entry, err := reg.Promote(3, 2001, "Carl")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	_ = entry

	go w.disconnectOne(queue.DisconnectJob{FD: 3, Abnormal: false})

	got := readAll(t, client, 2*time.Second)
	var m map[string]any
	json.Unmarshal(got, &m)
	if m["msg"] != "Goodbye!" {
		t.Errorf("expected goodbye message, got %v", m)
	}
	if _, ok := reg.LookupByUser(2001); ok {
		t.Error("expected entry to be removed from registry")
	}
}

func TestDisconnectAbnormalSendsNoFarewell(t *testing.T) {
	w, reg, _, _ := newHarness(t)
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	reg.Stage(4, server, fakeAddr{})
	if _, err := reg.Promote(4, 2002, "Dana"); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	w.disconnectOne(queue.DisconnectJob{FD: 4, Abnormal: true})

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := client.Read(buf); err == nil {
		t.Error("abnormal disconnect must not send a farewell")
	}
}

var _ protocol.Request = protocol.LoginRequest{}
