package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nulpointcorp/switchboard/internal/sse"
)

// Emitter receives each Anthropic event the Streamer produces, in order.
// A non-nil error (usually a client write failure) stops the stream.
type Emitter func(sse.Event) error

type blockKind int

const (
	blockNone blockKind = iota
	blockThinking
	blockText
)

type toolState struct {
	id      string
	name    string
	index   int
	started bool
	closed  bool
	pending string
}

// Streamer converts OpenAI chat completion chunks into the Anthropic event
// sequence. Content block indices are dense in emission order. At most one
// text or thinking block is open at a time; tool_use blocks stay open until
// the choice finishes, so interleaved argument fragments land on their own
// block.
type Streamer struct {
	emit  Emitter
	model string

	started  bool
	finished bool
	failed   bool

	id    string
	next  int
	open  blockKind
	index int
	// tools maps the upstream tool_calls index to its emitted block.
	tools map[int]*toolState
	// order lists started tools by emitted block index.
	order []*toolState

	stopReason string
	usage      *chatUsage
}

// NewStreamer returns a Streamer writing to emit. model names the message
// when the upstream chunks carry none.
func NewStreamer(emit Emitter, model string) *Streamer {
	return &Streamer{emit: emit, model: model, tools: make(map[int]*toolState)}
}

// ErrEmptyStream is reported when the upstream closes before sending a chunk.
var ErrEmptyStream = errors.New("transform: upstream stream ended without data")

// Stream drives a Streamer over an upstream OpenAI event stream until
// [DONE], EOF, ctx cancellation or an emit failure. Upstream read errors
// become a terminal error event. The returned error is the emit error, the
// upstream error, or nil.
func Stream(ctx context.Context, r io.Reader, emit Emitter, model string) error {
	s := NewStreamer(emit, model)
	rd := sse.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return s.Finish()
		}
		if err != nil {
			if ferr := s.Fail(err.Error()); ferr != nil {
				return ferr
			}
			return err
		}
		done, err := s.Process(ev)
		if err != nil || done {
			return err
		}
	}
}

// Process consumes one upstream event. It returns done once message_stop
// has been emitted or the stream failed.
func (s *Streamer) Process(ev sse.Event) (bool, error) {
	if s.finished || s.failed {
		return true, nil
	}
	if ev.IsDone() {
		return true, s.Finish()
	}
	if len(ev.Data) == 0 {
		return false, nil
	}
	var chunk chatResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		// Keep-alives and vendor comments are not fatal.
		return false, nil
	}
	if chunk.Error != nil {
		return true, s.Fail(chunk.Error.Message)
	}
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	if err := s.start(chunk.ID, chunk.Model); err != nil {
		return true, err
	}
	for _, ch := range chunk.Choices {
		if err := s.choice(ch); err != nil {
			return true, err
		}
	}
	return false, nil
}

// Finish closes any open block and emits message_delta and message_stop.
// It is a no-op once the stream has finished or failed.
func (s *Streamer) Finish() error {
	if s.finished || s.failed {
		return nil
	}
	if !s.started {
		return s.Fail(ErrEmptyStream.Error())
	}
	s.finished = true
	if err := s.closeAll(); err != nil {
		return err
	}
	stop := s.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	delta := map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
	}
	if s.usage != nil {
		u := toAnthropicUsage(s.usage)
		delta["usage"] = u
	}
	if err := s.send("message_delta", delta); err != nil {
		return err
	}
	return s.send("message_stop", map[string]any{"type": "message_stop"})
}

// Fail emits a single error event and ends the stream.
func (s *Streamer) Fail(msg string) error {
	if s.finished || s.failed {
		return nil
	}
	s.failed = true
	return s.send("error", map[string]any{
		"type":  "error",
		"error": map[string]string{"type": "api_error", "message": msg},
	})
}

// Failed reports whether the stream ended with an error event.
func (s *Streamer) Failed() bool { return s.failed }

func (s *Streamer) start(id, model string) error {
	if s.started {
		return nil
	}
	s.started = true
	s.id = messageID(id)
	if model == "" {
		model = s.model
	}
	usage := anthropicUsage{}
	if s.usage != nil {
		usage = toAnthropicUsage(s.usage)
	}
	return s.send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	})
}

func (s *Streamer) choice(ch chatChoice) error {
	if d := ch.Delta; d != nil {
		if r := d.reasoning(); r != "" {
			if err := s.ensureBlock(blockThinking, map[string]any{"type": "thinking", "thinking": ""}); err != nil {
				return err
			}
			if err := s.delta(map[string]any{"type": "thinking_delta", "thinking": r}); err != nil {
				return err
			}
		}
		if d.Content != "" {
			if err := s.ensureBlock(blockText, map[string]any{"type": "text", "text": ""}); err != nil {
				return err
			}
			if err := s.delta(map[string]any{"type": "text_delta", "text": d.Content}); err != nil {
				return err
			}
		}
		for i, tc := range d.ToolCalls {
			src := i
			if tc.Index != nil {
				src = *tc.Index
			}
			if err := s.toolCall(src, tc); err != nil {
				return err
			}
		}
	}
	if ch.FinishReason != "" {
		s.stopReason = StopReason(ch.FinishReason)
		return s.closeAll()
	}
	return nil
}

// toolCall handles one tool_calls delta for source index src. The block is
// opened when the call's id or name first appears; argument fragments seen
// earlier are held until then.
func (s *Streamer) toolCall(src int, tc chatToolCall) error {
	st, ok := s.tools[src]
	if !ok {
		st = &toolState{}
		s.tools[src] = st
	}
	if tc.ID != "" && st.id == "" {
		st.id = tc.ID
	}
	if tc.Function.Name != "" && st.name == "" {
		st.name = tc.Function.Name
	}
	args := tc.Function.Arguments

	if !st.started {
		if st.id == "" && st.name == "" {
			st.pending += args
			return nil
		}
		if err := s.closeBlock(); err != nil {
			return err
		}
		st.started = true
		st.index = s.next
		s.next++
		s.order = append(s.order, st)
		err := s.send("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": st.index,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    toolID(st.id, s.id, src),
				"name":  st.name,
				"input": map[string]any{},
			},
		})
		if err != nil {
			return err
		}
		args = st.pending + args
		st.pending = ""
	}
	if args == "" || st.closed {
		return nil
	}
	return s.send("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": st.index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
	})
}

// ensureBlock keeps the open block when it already has kind k, otherwise
// closes it and opens a new one at the next index.
func (s *Streamer) ensureBlock(k blockKind, block map[string]any) error {
	if s.open == k {
		return nil
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	s.open, s.index = k, s.next
	s.next++
	return s.send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.index,
		"content_block": block,
	})
}

func (s *Streamer) delta(d map[string]any) error {
	return s.send("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.index,
		"delta": d,
	})
}

func (s *Streamer) closeBlock() error {
	if s.open == blockNone {
		return nil
	}
	idx := s.index
	s.open = blockNone
	return s.stop(idx)
}

// closeAll closes the open text or thinking block, then every started tool
// block in index order.
func (s *Streamer) closeAll() error {
	if err := s.closeBlock(); err != nil {
		return err
	}
	for _, st := range s.order {
		if st.closed {
			continue
		}
		st.closed = true
		if err := s.stop(st.index); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) stop(idx int) error {
	return s.send("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})
}

func (s *Streamer) send(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transform: encode %s: %w", name, err)
	}
	return s.emit(sse.Event{Name: name, Data: data})
}
