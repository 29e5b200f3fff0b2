package goinfer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	apierrors "github.com/zhengjr9/goinfer-client/internal/errors"
)

// doneSentinel terminates goinfer streams after the result frame.
const doneSentinel = "[DONE]"

// MaxLineSize bounds a single event-stream line. Longer lines are
// discarded and their frame is surfaced with ErrFrameTooLarge.
const MaxLineSize = 1 << 20

// ErrFrameTooLarge marks a frame that contained a line over MaxLineSize.
var ErrFrameTooLarge = errors.New("event-stream line too large")

// Frame is the payload of one event-stream frame.
type Frame struct {
	// Index counts surfaced frames from zero, in transmission order.
	Index int
	// Data joins the frame's "data:" lines with "\n".
	Data string
	// Err is set when the frame could not be read in full.
	Err error
}

// Decoder reads event-stream frames from a live byte stream.
//
// Frames end at a blank line. Only "data:" lines are kept; comment lines
// (":"), "event:", "id:", "retry:" and unknown fields are ignored, and a
// frame without data (a keep-alive) is never surfaced. A frame split
// across reads is buffered until its terminating blank line arrives; a
// frame still unterminated when the stream ends is dropped. A frame with a
// line over MaxLineSize is surfaced with Err set and no Data.
//
//	dec := NewDecoder(body)
//	for dec.Next() {
//	    frame := dec.Frame()
//	}
//	if err := dec.Err(); err != nil {
//	    // transport failure
//	}
type Decoder struct {
	reader  *bufio.Reader
	current Frame
	count   int
	err     error
	maxLine int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReaderSize(r, 64*1024), maxLine: MaxLineSize}
}

// Next advances to the next complete data frame. It returns false at the
// end of the stream or on a read error; Err tells them apart.
func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}

	var dataLines []string
	hasData, tooLarge := false, false

	for {
		line, long, err := d.readLine()
		if err != nil {
			// Whatever is buffered belongs to an unterminated frame.
			d.err = err
			return false
		}
		if long {
			tooLarge = true
			continue
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if tooLarge {
				d.current = Frame{Index: d.count, Err: ErrFrameTooLarge}
				d.count++
				return true
			}
			if !hasData {
				continue
			}
			data := strings.Join(dataLines, "\n")
			dataLines, hasData = nil, false
			if strings.TrimSpace(data) == doneSentinel {
				continue
			}
			d.current = Frame{Index: d.count, Data: data}
			d.count++
			return true
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		}
		if field == "data" {
			dataLines = append(dataLines, value)
			hasData = true
		}
	}
}

// readLine returns the next line including its terminator. A line longer
// than maxLine is consumed without being kept and reported as long.
func (d *Decoder) readLine() (string, bool, error) {
	var buf []byte
	long := false
	for {
		chunk, err := d.reader.ReadSlice('\n')
		if !long {
			if len(buf)+len(chunk) > d.maxLine {
				long, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", long, err
		}
		return string(buf), long, nil
	}
}

// Frame returns the frame read by the last successful Next.
func (d *Decoder) Frame() Frame {
	return d.current
}

// Err returns the read error that stopped the decoder, or nil after a
// clean end of stream.
func (d *Decoder) Err() error {
	if d.err == io.EOF {
		return nil
	}
	return d.err
}

// Frames iterates the remaining frames. A read error is yielded last,
// with a zero Frame.
func (d *Decoder) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for d.Next() {
			if !yield(d.Frame(), nil) {
				return
			}
		}
		if err := d.Err(); err != nil {
			yield(Frame{}, err)
		}
	}
}

// Events decodes every frame of r into a StreamEvent. A malformed frame
// yields a *StreamDecodeError for that frame and iteration continues. A
// transport error yields a *StreamDecodeError with Frame -1 and ends the
// sequence.
func Events(r io.Reader) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		for frame, err := range NewDecoder(r).Frames() {
			if err != nil {
				yield(StreamEvent{}, &apierrors.StreamDecodeError{Frame: -1, Err: err})
				return
			}
			if !yield(ParseEvent(frame)) {
				return
			}
		}
	}
}

type wireMessage struct {
	MsgType *EventKind      `json:"msg_type"`
	Content json.RawMessage `json:"content"`
	Num     int             `json:"num"`
	Data    json.RawMessage `json:"data"`
}

// ParseEvent decodes a frame payload into a StreamEvent. Content may be a
// string or, for system messages, a structured object.
func ParseEvent(frame Frame) (StreamEvent, error) {
	fail := func(err error) (StreamEvent, error) {
		return StreamEvent{}, &apierrors.StreamDecodeError{Frame: frame.Index, Data: frame.Data, Err: err}
	}

	if frame.Err != nil {
		return fail(frame.Err)
	}

	var msg wireMessage
	if err := json.Unmarshal([]byte(frame.Data), &msg); err != nil {
		return fail(err)
	}
	if msg.MsgType == nil {
		return fail(errors.New("missing msg_type"))
	}

	ev := StreamEvent{Kind: *msg.MsgType, Num: msg.Num}
	switch ev.Kind {
	case KindToken, KindSystem, KindError:
	default:
		return fail(fmt.Errorf("unknown msg_type %q", ev.Kind))
	}

	content := bytes.TrimSpace(msg.Content)
	switch {
	case len(content) == 0 || bytes.Equal(content, []byte("null")):
	case content[0] == '"':
		if err := json.Unmarshal(content, &ev.Content); err != nil {
			return fail(err)
		}
	case ev.Kind == KindToken:
		return fail(errors.New("token content must be a string"))
	default:
		ev.Payload = content
	}

	if ev.Payload == nil {
		if data := bytes.TrimSpace(msg.Data); len(data) > 0 && !bytes.Equal(data, []byte("null")) {
			ev.Payload = data
		}
	}
	return ev, nil
}
