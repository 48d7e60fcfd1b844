package protocol

import (
	"bytes"
	"testing"
)

func TestDecodeRoundTrip(t *testing.T) {
	objs := []string{
		`{"type":0,"from":1001,"name":"A"}`,
		`{"type":1,"from":1001}`,
		`{"type":2,"from":1001,"to":1002,"name":"A","msg":"hi","msg_type":"text"}`,
	}
	var buf bytes.Buffer
	for _, o := range objs {
		buf.WriteString(o)
	}
	frames, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != len(objs) {
		t.Fatalf("got %d frames, want %d", len(frames), len(objs))
	}
	for i, f := range frames {
		if string(f) != objs[i] {
			t.Errorf("frame %d = %q, want %q", i, f, objs[i])
		}
	}
}

func TestDecodeEmptyBuffer(t *testing.T) {
	frames, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(frames))
	}
}

func TestDecodeNoFramesInNonEmptyBuffer(t *testing.T) {
	_, err := Decode([]byte("not json at all"))
	if err == nil {
		t.Fatal("expected error for non-empty buffer with no frames")
	}
}

func TestSecretboxCipherRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	c := NewSecretboxCipher(key)
	plaintext := []byte(`{"type":2,"from":1,"to":2,"msg":"secret"}`)

	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	// Sealed output must itself be a single balanced-brace JSON frame.
	frames, err := Decode(sealed)
	if err != nil || len(frames) != 1 {
		t.Fatalf("sealed output not a single frame: %v %d", err, len(frames))
	}

	opened, err := c.Open(frames[0])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("Open(Seal(x)) = %q, want %q", opened, plaintext)
	}
}

func TestIdentityCipherIsNoop(t *testing.T) {
	plaintext := []byte(`{"type":1,"from":1}`)
	sealed, _ := Identity.Seal(plaintext)
	if !bytes.Equal(sealed, plaintext) {
		t.Fatalf("identity Seal modified input")
	}
	opened, _ := Identity.Open(sealed)
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("identity Open modified input")
	}
}
