package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReader(t *testing.T) {
	in := ": keep-alive\n" +
		"event: message_start\r\n" +
		"data: {\"a\":1}\r\n\r\n" +
		"data: line1\n" +
		"data: line2\n\n" +
		"\n\n" +
		"data: [DONE]"

	r := NewReader(strings.NewReader(in))

	ev, err := r.Next()
	if err != nil || ev.Name != "message_start" || string(ev.Data) != `{"a":1}` {
		t.Fatalf("first event = %+v, %v", ev, err)
	}
	ev, err = r.Next()
	if err != nil || ev.Name != "" || string(ev.Data) != "line1\nline2" {
		t.Fatalf("second event = %+v, %v", ev, err)
	}
	ev, err = r.Next()
	if err != nil || !ev.IsDone() {
		t.Fatalf("expected unterminated [DONE], got %+v, %v", ev, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, "ping", []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if err := Write(&buf, "", []byte("[DONE]")); err != nil {
		t.Fatal(err)
	}
	want := "event: ping\ndata: {\"type\":\"ping\"}\n\ndata: [DONE]\n\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}
