package jsonrpc

import (
	"bytes"
	"encoding/json"
	"testing"
)

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestEncode_AppendsSingleNewline(t *testing.T) {
	b := mustEncode(t, &Request{JSONRPCVersion: ProtocolVersion, Method: "ping", ID: NewRequestID(1)})
	if !bytes.HasSuffix(b, []byte("}\n")) {
		t.Fatalf("expected trailing newline, got %q", b)
	}
	if bytes.Count(b, []byte("\n")) != 1 {
		t.Fatalf("expected exactly one newline, got %q", b)
	}
}

func TestDecoder_RoundTripAcrossEverySplit(t *testing.T) {
	first := mustEncode(t, &Request{JSONRPCVersion: ProtocolVersion, Method: "initialize", Params: json.RawMessage(`{}`), ID: NewRequestID(1)})
	second := mustEncode(t, &Request{JSONRPCVersion: ProtocolVersion, Method: "notifications/initialized"})
	third := mustEncode(t, &Response{JSONRPCVersion: ProtocolVersion, Result: json.RawMessage(`{"ok":true}`), ID: NewRequestID("abc")})
	stream := append(append(append([]byte{}, first...), second...), third...)

	for split := 0; split <= len(stream); split++ {
		d := NewDecoder()
		var got []*AnyMessage
		got = append(got, d.Feed(stream[:split])...)
		got = append(got, d.Feed(stream[split:])...)

		if len(got) != 3 {
			t.Fatalf("split %d: expected 3 messages, got %d", split, len(got))
		}
		if got[0].Method != "initialize" || got[0].ID.Key() != "n:1" {
			t.Fatalf("split %d: unexpected first message %+v", split, got[0])
		}
		if got[1].Type() != TypeNotification {
			t.Fatalf("split %d: expected notification, got %s", split, got[1].Type())
		}
		if got[2].Type() != TypeResponse || got[2].ID.String() != "abc" || string(got[2].Result) != `{"ok":true}` {
			t.Fatalf("split %d: unexpected third message %+v", split, got[2])
		}
		if d.Buffered() != 0 {
			t.Fatalf("split %d: expected empty carry-over, got %d bytes", split, d.Buffered())
		}
	}
}

func TestDecoder_DropsNonJSONLines(t *testing.T) {
	d := NewDecoder()
	msgs := d.Feed([]byte("not json at all\n{\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{}}\n"))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID.String() != "7" {
		t.Fatalf("unexpected id %q", msgs[0].ID.String())
	}
	if d.Dropped() != 1 {
		t.Fatalf("expected 1 dropped line, got %d", d.Dropped())
	}
}

func TestDecoder_DropsInvalidJSONRPC(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"wrong version", `{"jsonrpc":"1.0","id":1,"result":{}}`},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`},
		{"neither result nor method", `{"jsonrpc":"2.0","id":1}`},
		{"truncated", `{"jsonrpc":"2.0","id":1,"res`},
		{"array", `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			if msgs := d.Feed([]byte(tt.line + "\n")); len(msgs) != 0 {
				t.Fatalf("expected no messages, got %d", len(msgs))
			}
			if d.Dropped() != 1 {
				t.Fatalf("expected dropped=1, got %d", d.Dropped())
			}
		})
	}
}

func TestDecoder_IgnoresBlankLinesAndCRLF(t *testing.T) {
	d := NewDecoder()
	msgs := d.Feed([]byte("\n\r\n{\"jsonrpc\":\"2.0\",\"method\":\"x\"}\r\n"))
	if len(msgs) != 1 || msgs[0].Method != "x" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if d.Dropped() != 0 {
		t.Fatalf("blank lines must not count as dropped, got %d", d.Dropped())
	}
}

func TestDecoder_FlushParsesUnterminatedLine(t *testing.T) {
	d := NewDecoder()
	if msgs := d.Feed([]byte(`{"jsonrpc":"2.0","method":"bye"}`)); len(msgs) != 0 {
		t.Fatalf("expected no complete messages, got %d", len(msgs))
	}
	msgs := d.Flush()
	if len(msgs) != 1 || msgs[0].Method != "bye" {
		t.Fatalf("unexpected flush result: %+v", msgs)
	}
}

func TestDecoder_DiscardsRunawayLine(t *testing.T) {
	d := NewDecoderSize(32)
	d.Feed(bytes.Repeat([]byte("x"), 64))
	if d.Buffered() != 0 {
		t.Fatalf("expected runaway line to be discarded, buffered=%d", d.Buffered())
	}
	msgs := d.Feed([]byte("\n{\"jsonrpc\":\"2.0\",\"method\":\"after\"}\n"))
	if len(msgs) != 1 || msgs[0].Method != "after" {
		t.Fatalf("decoder did not recover: %+v", msgs)
	}
}

func TestDecoder_DiscardsTailOfRunawayLine(t *testing.T) {
	d := NewDecoderSize(16)
	if msgs := d.Feed([]byte("this is a long diagnostic line that overflows ")); len(msgs) != 0 {
		t.Fatalf("unexpected messages from overflowing chunk: %+v", msgs)
	}
	// The rest of the same line must not be mistaken for a fresh message.
	if msgs := d.Feed([]byte(`{"jsonrpc":"2.0","id":9,"result":{}}` + "\n")); len(msgs) != 0 {
		t.Fatalf("tail of runaway line parsed as a message: %+v", msgs)
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected nothing buffered, got %d", d.Buffered())
	}

	msgs := d.Feed([]byte(`{"jsonrpc":"2.0","id":10,"result":{}}` + "\n"))
	if len(msgs) != 1 || msgs[0].ID.String() != "10" {
		t.Fatalf("decoder did not recover after the runaway line ended: %+v", msgs)
	}
}

func TestRequestID_KeyDistinguishesTypes(t *testing.T) {
	if NewRequestID(1).Key() == NewRequestID("1").Key() {
		t.Fatal("numeric and string ids must not share a key")
	}
	var fromWire AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"m"}`), &fromWire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fromWire.ID.Key() != NewRequestID(1).Key() {
		t.Fatalf("wire id key %q != constructed key %q", fromWire.ID.Key(), NewRequestID(1).Key())
	}
}
