package dialect

import "testing"

func TestLineSplitterReassemblesPartialLines(t *testing.T) {
	var s LineSplitter

	lines := s.Push([]byte("data: {\"a\":"))
	if len(lines) != 0 {
		t.Fatalf("partial line yielded early: %q", lines)
	}

	lines = s.Push([]byte("1}\n\ndata: [DONE]\n"))
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if string(lines[0]) != `data: {"a":1}` {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if string(lines[1]) != "" {
		t.Fatalf("line 1 = %q, want blank", lines[1])
	}
	if string(lines[2]) != "data: [DONE]" {
		t.Fatalf("line 2 = %q", lines[2])
	}
	if len(s.Rest()) != 0 {
		t.Fatalf("rest = %q", s.Rest())
	}
}

// The split point must not change the reassembled output.
func TestLineSplitterSplitPointIrrelevant(t *testing.T) {
	input := "data: one\r\ndata: two\ndata: three\n"

	whole := func(pushes ...string) []string {
		var s LineSplitter
		var out []string
		for _, p := range pushes {
			for _, l := range s.Push([]byte(p)) {
				out = append(out, string(l))
			}
		}
		return out
	}

	a := whole(input)
	b := whole("data: one\r", "\ndata: two\nda", "ta: three\n")
	if len(a) != len(b) {
		t.Fatalf("len %d != %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("line %d: %q != %q", i, a[i], b[i])
		}
	}
	if a[0] != "data: one" {
		t.Fatalf("CR not stripped: %q", a[0])
	}
}

func TestParseSSELine(t *testing.T) {
	if _, ok := ParseSSELine(nil); ok {
		t.Fatal("blank line should not parse")
	}
	if _, ok := ParseSSELine([]byte(": heartbeat")); ok {
		t.Fatal("comment should not parse")
	}
	if _, ok := ParseSSELine([]byte("event: message_start")); ok {
		t.Fatal("event field should not parse as data")
	}

	payload, ok := ParseSSELine([]byte("data: {\"x\":1}"))
	if !ok || string(payload) != `{"x":1}` {
		t.Fatalf("payload = %q ok = %v", payload, ok)
	}
	payload, ok = ParseSSELine([]byte("data:{\"x\":1}"))
	if !ok || string(payload) != `{"x":1}` {
		t.Fatalf("no-space payload = %q ok = %v", payload, ok)
	}
}

func TestIsDone(t *testing.T) {
	if !IsDone([]byte("[DONE]")) || !IsDone([]byte(" [DONE] ")) {
		t.Fatal("sentinel not detected")
	}
	if IsDone([]byte(`{"x":1}`)) {
		t.Fatal("payload misdetected as sentinel")
	}
}
