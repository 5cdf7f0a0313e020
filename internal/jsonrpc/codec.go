package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxLineBytes bounds the carry-over buffer of a Decoder. A peer that
// writes more than this without a newline has its partial line discarded.
const DefaultMaxLineBytes = 16 << 20

// Encode serializes v as a single line of newline-delimited JSON.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(b, '\n'), nil
}

// Decoder splits a byte stream into newline-delimited JSON-RPC messages.
//
// Lines that do not parse as a JSON-RPC 2.0 message are discarded: tool
// servers routinely print diagnostic text on the same stream, and one stray
// line must not poison the rest of it. A Decoder is not safe for concurrent
// use.
type Decoder struct {
	buf      []byte
	max      int
	dropped  int
	// skipping is set after an overflow until the rest of the runaway line,
	// up to its newline, has been discarded.
	skipping bool
}

// NewDecoder returns a Decoder with the default line limit.
func NewDecoder() *Decoder {
	return &Decoder{max: DefaultMaxLineBytes}
}

// NewDecoderSize returns a Decoder whose carry-over buffer is bounded by max bytes.
func NewDecoderSize(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	return &Decoder{max: max}
}

// Feed appends chunk to the carry-over buffer and returns every message
// completed by it, in stream order. The trailing incomplete line, if any, is
// retained for the next call.
func (d *Decoder) Feed(chunk []byte) []*AnyMessage {
	if d.skipping {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil
		}
		chunk = chunk[i+1:]
		d.skipping = false
	}
	d.buf = append(d.buf, chunk...)

	var out []*AnyMessage
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if msg, ok := d.parse(line); ok {
			out = append(out, msg)
		}
	}

	if len(d.buf) > d.max {
		d.buf = nil
		d.dropped++
		d.skipping = true
	}
	if len(d.buf) == 0 {
		// Release the backing array once fully consumed.
		d.buf = nil
	}

	return out
}

// Flush parses whatever remains in the carry-over buffer as a final line. It
// is meant for end of stream, where the peer may omit the trailing newline.
func (d *Decoder) Flush() []*AnyMessage {
	line := d.buf
	d.buf = nil
	if d.skipping {
		d.skipping = false
		return nil
	}
	if msg, ok := d.parse(line); ok {
		return []*AnyMessage{msg}
	}
	return nil
}

// Buffered reports the number of bytes held as an incomplete line.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Dropped reports how many non-empty segments have been discarded so far.
func (d *Decoder) Dropped() int { return d.dropped }

func (d *Decoder) parse(line []byte) (*AnyMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if line[0] != '{' {
		d.dropped++
		return nil, false
	}
	var msg AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		d.dropped++
		return nil, false
	}
	return &msg, true
}
