package protocol

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name: "request",
			frame: &Frame{
				Type: FrameRequest, ID: "r1", Target: "sessions",
				Method: MethodSessionGet, Params: json.RawMessage(`{"key":"telegram:42"}`),
			},
		},
		{
			name:  "ok response",
			frame: &Frame{Type: FrameResponse, ID: "r1", OK: true, Payload: json.RawMessage(`{"a":1}`)},
		},
		{
			name:  "error response",
			frame: NewErrorResponse("r2", ErrTimeout, "no response within 10s"),
		},
		{
			name: "event",
			frame: &Frame{
				Type: FrameEvent, Source: "agent", Event: EventRunDelta,
				Payload: json.RawMessage(`{"runId":"x"}`), Seq: 7,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.Marshal()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Parse(data)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Type != tt.frame.Type || got.ID != tt.frame.ID ||
				got.Method != tt.frame.Method || got.Event != tt.frame.Event ||
				got.OK != tt.frame.OK || got.Seq != tt.frame.Seq {
				t.Errorf("round trip mismatch: got %+v want %+v", got, tt.frame)
			}
			if tt.frame.Error != nil && (got.Error == nil || got.Error.Code != tt.frame.Error.Code) {
				t.Errorf("error lost in round trip: got %+v", got.Error)
			}
		})
	}
}

func TestParseToleratesUnknownFields(t *testing.T) {
	data := []byte(`{"type":"req","id":"x","method":"session.get","future_field":true}`)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Method != MethodSessionGet {
		t.Errorf("method = %q", f.Method)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", `{not json`},
		{"unknown type", `{"type":"bogus"}`},
		{"request without id", `{"type":"req","method":"m"}`},
		{"request without method", `{"type":"req","id":"1"}`},
		{"failed response without error", `{"type":"res","id":"1","ok":false}`},
		{"event without name", `{"type":"event","source":"a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *ParseError
			if !errorsAs(err, &pe) {
				t.Errorf("expected *ParseError, got %T", err)
			}
		})
	}
}

// errorsAs avoids importing errors just for one assertion helper.
func errorsAs(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}

func TestRequestIDUniqueness(t *testing.T) {
	const n = 100_000
	const workers = 8

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/workers; i++ {
				ids <- NewRequestID()
			}
		}()
	}
	go func() { wg.Wait(); close(ids) }()

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
	if len(seen) != (n/workers)*workers {
		t.Errorf("generated %d ids, want %d", len(seen), n)
	}
}

func TestResponseMarshalKeepsOKFalse(t *testing.T) {
	f := NewErrorResponse("1", ErrNoHandler, "")
	data, err := f.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"ok":false`) {
		t.Errorf("ok:false dropped: %s", data)
	}
}
