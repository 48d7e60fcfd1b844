package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"betterfly/internal/fanout"
	"betterfly/internal/objectstore"
	"betterfly/internal/protocol"
	"betterfly/internal/queue"
	"betterfly/internal/registry"
	"betterfly/internal/store"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "test" }

func newHarness(t *testing.T) (*Dispatcher, *registry.Registry, *store.Store, *queue.Queues) {
	t.Helper()
	reg := registry.New()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.New()
	fan := fanout.New(reg, st, q, nil)
	objs := objectstore.New(objectstore.Config{SecretID: "id", SecretKey: "key", Bucket: "b", Endpoint: "https://example.test"})
	d := New(reg, st, fan, objs, q, nil)
	return d, reg, st, q
}

// loopbackPair returns both ends of a loopback TCP connection. Handlers
// write to sessions synchronously before the test reads, so the server end
// needs the kernel's send buffer; net.Pipe would block the first write.
func loopbackPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server, err = ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return server, client
}

func authedConn(t *testing.T, reg *registry.Registry, fd, userID int) (net.Conn, *registry.Entry) {
	t.Helper()
	server, client := loopbackPair(t)
	t.Cleanup(func() { client.Close(); server.Close() })
	reg.Stage(fd, server, fakeAddr{})
	entry, err := reg.Promote(fd, userID, "user")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	return client, entry
}

func readResponse(t *testing.T, c net.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var m map[string]any
	// One read may hold several queued frames; decode the first.
	if err := json.NewDecoder(bytes.NewReader(buf[:n])).Decode(&m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return m
}

func TestHandlePostDirectMessageEchoesAndDelivers(t *testing.T) {
	d, reg, _, _ := newHarness(t)
	clientA, entryA := authedConn(t, reg, 1, 1001)
	clientB, _ := authedConn(t, reg, 2, 1002)

	req := protocol.PostRequest{From: 1001, To: 1002, Name: "A", Msg: "hi", MsgType: "text", IsGroup: false}
	d.dispatch(context.Background(), entryA, req)

	got := readResponse(t, clientA)
	if got["msg"] != "hi" {
		t.Errorf("sender echo: unexpected payload %v", got)
	}
	got = readResponse(t, clientB)
	if got["msg"] != "hi" {
		t.Errorf("recipient delivery: unexpected payload %v", got)
	}
}

func TestHandleExitEnqueuesNonAbnormalDisconnectAndStops(t *testing.T) {
	d, reg, _, q := newHarness(t)
	_, entry := authedConn(t, reg, 1, 1001)

	stop := d.dispatch(context.Background(), entry, protocol.ExitRequest{From: 1001})
	if !stop {
		t.Fatal("Exit must stop further frame processing")
	}
	select {
	case job := <-q.Disconnect:
		if job.Abnormal {
			t.Error("Exit-triggered disconnect must not be abnormal")
		}
		if job.FD != entry.FD {
			t.Errorf("disconnect job fd = %d, want %d", job.FD, entry.FD)
		}
	default:
		t.Fatal("expected a disconnect job to be enqueued")
	}
}

func TestHandleInsertContactSendsHelloToBothSides(t *testing.T) {
	d, reg, st, _ := newHarness(t)
	clientA, entryA := authedConn(t, reg, 1, 1001)
	clientB, _ := authedConn(t, reg, 2, 1002)
	if err := st.Login(context.Background(), 1001, "A", time.Now()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	d.dispatch(context.Background(), entryA, protocol.InsertContactRequest{From: 1001, To: 1002})

	for _, c := range []net.Conn{clientA, clientB} {
		got := readResponse(t, c)
		if got["msg"] != "Hello" {
			t.Errorf("expected hello payload, got %v", got)
		}
	}
}

func TestHandleInsertGroupBroadcastsGroupNameAsMsg(t *testing.T) {
	d, reg, _, _ := newHarness(t)
	clientCreator, entryCreator := authedConn(t, reg, 1, 1001)
	clientMember, _ := authedConn(t, reg, 2, 1002)

	// The group-name hello from the create goes to the creator alone; the
	// second member joins afterwards and receives the "Hi" join hello,
	// which is delivered to every member.
	d.dispatch(context.Background(), entryCreator, protocol.InsertGroupRequest{From: 1001, To: 5001, Msg: "Team"})
	d.dispatch(context.Background(), entryCreator, protocol.InsertGroupUserRequest{From: 1002, To: 5001})

	got := readResponse(t, clientCreator)
	if got["msg"] != "Team" {
		t.Errorf("expected msg=\"Team\" on the group-create hello, got %v", got)
	}

	got = readResponse(t, clientMember)
	if got["msg"] != "Hi" {
		t.Errorf("expected msg=\"Hi\" on the group-join hello, got %v", got)
	}
}

func TestHandleFileUploadNewFileReturnsPresignedURL(t *testing.T) {
	d, reg, _, _ := newHarness(t)
	client, entry := authedConn(t, reg, 1, 1001)

	req := protocol.FileRequest{From: 1001, FileHash: "abc123", FileSuffix: "png", Operation: "upload"}
	d.dispatch(context.Background(), entry, req)

	got := readResponse(t, client)
	if got["file_op"] != "upload" {
		t.Errorf("unexpected file_op: %v", got)
	}
	if got["content"] == nil || got["content"] == "Existed" {
		t.Errorf("expected a presigned URL, got %v", got["content"])
	}
}

func TestHandleFileUploadExistingFileShortCircuits(t *testing.T) {
	d, reg, st, _ := newHarness(t)
	client, entry := authedConn(t, reg, 1, 1001)
	if err := st.InsertFile(context.Background(), "abc123", "png"); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	req := protocol.FileRequest{From: 1001, FileHash: "abc123", FileSuffix: "png", Operation: "upload"}
	d.dispatch(context.Background(), entry, req)

	got := readResponse(t, client)
	if got["content"] != "Existed" {
		t.Errorf("expected Existed marker, got %v", got["content"])
	}
}

func TestHandleAPNsTokenPersists(t *testing.T) {
	d, reg, st, _ := newHarness(t)
	_, entry := authedConn(t, reg, 1, 1001)

	d.dispatch(context.Background(), entry, protocol.APNsTokenRequest{From: 1001, APNsToken: "TOK"})

	toks, err := st.QueryUserAPNsTokens(context.Background(), 1001)
	if err != nil {
		t.Fatalf("QueryUserAPNsTokens: %v", err)
	}
	if len(toks) != 1 || toks[0] != "TOK" {
		t.Errorf("unexpected tokens: %v", toks)
	}
}
