package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func event(t *testing.T, raw string) Event {
	t.Helper()
	var ev map[string]any
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return Event(ev)
}

func TestExtractTokenPriority(t *testing.T) {
	cases := []struct {
		raw   string
		token string
		shape string
	}{
		{`{"delta":"H"}`, "H", "delta"},
		{`{"delta":{"content":"e"}}`, "e", "delta.content"},
		{`{"choices":[{"delta":{"content":"l"}}]}`, "l", "choices.delta.content"},
		{`{"content":"l","text":"x"}`, "l", "content"},
		{`{"output":"o","text":"x"}`, "o", "output"},
		{`{"text":"!"}`, "!", "text"},
		{`{"token":"t","chunk":"x"}`, "t", "token"},
		{`{"chunk":"c"}`, "c", "chunk"},
		{`{"delta":"a","content":"b"}`, "a", "delta"},
		{`{"delta":{"role":"assistant"},"content":"b"}`, "b", "content"},
	}
	for _, tc := range cases {
		token, shape, ok := ExtractToken(event(t, tc.raw))
		if !ok || token != tc.token || shape != tc.shape {
			t.Fatalf("%s: expected %q via %s, got %q via %s (ok=%v)", tc.raw, tc.token, tc.shape, token, shape, ok)
		}
	}
}

func TestExtractTokenMismatch(t *testing.T) {
	if _, _, ok := ExtractToken(event(t, `{"foo":"bar","content":5}`)); ok {
		t.Fatal("expected no extractor to match")
	}
}

func TestExtractETA(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{`{"slm_time_to_complete":1200}`, 1200 * time.Millisecond, true},
		{`{"metrics":{"slm_time_to_complete":"900"}}`, 900 * time.Millisecond, true},
		{`{"metrics":{"time_to_complete_ms":50}}`, 50 * time.Millisecond, true},
		{`{"time_to_complete_ms":0,"duration_ms":300}`, 300 * time.Millisecond, true},
		{`{"elapsed_ms":-5,"usage":{"time_ms":40}}`, 40 * time.Millisecond, true},
		{`{"duration_ms":"soon"}`, 0, false},
		{`{"content":"x"}`, 0, false},
	}
	for _, tc := range cases {
		got, ok := ExtractETA(event(t, tc.raw))
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: expected %v/%v, got %v/%v", tc.raw, tc.want, tc.ok, got, ok)
		}
	}
}

func TestIsTerminalEvent(t *testing.T) {
	terminal := []string{
		`{"is_final":true}`,
		`{"finish_reason":"stop"}`,
		`{"type_id":"END"}`,
		`{"type_id":"final"}`,
		`{"phase":"completed"}`,
		`{"status":"Finished"}`,
		`{"state":"done"}`,
		`{"event":"final"}`,
	}
	for _, raw := range terminal {
		if !IsTerminalEvent(event(t, raw)) {
			t.Fatalf("expected %s to be terminal", raw)
		}
	}
	open := []string{
		`{"is_final":false}`,
		`{"finish_reason":null}`,
		`{"finish_reason":"null"}`,
		`{"finish_reason":""}`,
		`{"type_id":"chunk"}`,
		`{"status":"streaming"}`,
		`{"content":"x"}`,
	}
	for _, raw := range open {
		if IsTerminalEvent(event(t, raw)) {
			t.Fatalf("expected %s not to be terminal", raw)
		}
	}
}

func TestIsTerminalFrameType(t *testing.T) {
	for _, frameType := range []string{"done", "END", "channel_end", "close", "completed", "final"} {
		if !IsTerminalFrameType(frameType) {
			t.Fatalf("expected %q to be terminal", frameType)
		}
	}
	for _, frameType := range []string{"chunk", "chunk_out", "ping", "ack"} {
		if IsTerminalFrameType(frameType) {
			t.Fatalf("expected %q not to be terminal", frameType)
		}
	}
}

func TestDecodeDataAcceptsDoubleEncodedJSON(t *testing.T) {
	ev, ok := decodeData(`{"content":"hi","message_id":"a1"}`)
	if !ok || ev["content"] != "hi" || MessageIDOf(ev) != "a1" {
		t.Fatalf("unexpected decode %v %v", ev, ok)
	}
	if _, ok := decodeData("not json"); ok {
		t.Fatal("expected string that is not json to fail")
	}
}
