package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
)

func TestWireFrameRoundTrip(t *testing.T) {
	body, _ := json.Marshal(GetBlocksBody{From: Hash{0x01}, Count: 50, Step: 1})
	msg := WireMessage{Kind: MsgGetBlocks, Body: body}

	var buf bytes.Buffer
	if err := writeFrame(&buf, msg); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.Kind != MsgGetBlocks {
		t.Fatalf("kind = %v, want %v", got.Kind, MsgGetBlocks)
	}
	var decoded GetBlocksBody
	if err := json.Unmarshal(got.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Count != 50 || decoded.Step != 1 || decoded.From != (Hash{0x01}) {
		t.Fatalf("round-tripped body mismatch: %+v", decoded)
	}
}

func TestReadFrameTruncatedErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x10}) // claims 16 bytes, provides none
	if _, err := readFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatalf("expected error on truncated frame")
	}
}
