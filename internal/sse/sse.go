// Package sse reads and writes text/event-stream frames.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Done is the OpenAI stream terminator payload.
const Done = "[DONE]"

// maxLine bounds a single SSE line; tool-call argument chunks can be large.
const maxLine = 4 << 20

// Event is one dispatched SSE event. Name is empty for unnamed events.
type Event struct {
	Name string
	Data []byte
}

// IsDone reports whether the event carries the [DONE] terminator.
func (e Event) IsDone() bool {
	return string(bytes.TrimSpace(e.Data)) == Done
}

// Reader splits an event stream into events. Multi-line data fields are
// joined with "\n"; comments and unknown fields are skipped.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader{sc: sc}
}

// Next returns the next event. It returns io.EOF when the stream ends
// cleanly; a trailing event without the blank-line terminator is still
// returned first.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		hasData bool
	)
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			if hasData {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			ev = Event{}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}
		switch string(field) {
		case "event":
			ev.Name = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
			hasData = true
		}
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, fmt.Errorf("sse: %w", err)
	}
	if hasData {
		ev.Data = bytes.Join(data, []byte("\n"))
		return ev, nil
	}
	return Event{}, io.EOF
}

// Write emits one event. An empty name writes a bare data frame.
func Write(w io.Writer, name string, data []byte) error {
	var buf bytes.Buffer
	buf.Grow(len(name) + len(data) + 16)
	if name != "" {
		buf.WriteString("event: ")
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
