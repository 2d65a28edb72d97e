package chunkengine

import (
	"bytes"
	"testing"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"jsonrpc":"2.0","id":"abc","method":"ping"}`)

	if err := writeFrame(&buf, body, 0); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf, 0)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("round trip mismatch: got %q want %q", got, body)
	}
}

func TestWriteFrame_ExceedsMax(t *testing.T) {
	var buf bytes.Buffer
	body := make([]byte, 100)
	if err := writeFrame(&buf, body, 10); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}

func TestReadFrame_DeclaredLengthExceedsMax(t *testing.T) {
	var buf bytes.Buffer
	body := make([]byte, 100)
	if err := writeFrame(&buf, body, 0); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if _, err := readFrame(&buf, 10); err == nil {
		t.Fatalf("expected error for declared length exceeding max")
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10})
	buf.Write([]byte("short"))
	if _, err := readFrame(&buf, 0); err == nil {
		t.Fatalf("expected error reading truncated frame")
	}
}

func TestRPCError_Error(t *testing.T) {
	e := &RPCError{Code: RPCErrChunkNotFound, Message: "chunk not found"}
	if e.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
}
