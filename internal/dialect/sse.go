package dialect

import "bytes"

// doneSentinel is the OpenAI end-of-stream marker.
var doneSentinel = []byte("[DONE]")

// LineSplitter re-frames an arbitrary byte stream into newline-delimited
// fragments. Upstream reads can cut an SSE event anywhere; the splitter
// keeps the trailing partial line buffered until the next read completes
// it, so every yielded fragment is a whole line.
type LineSplitter struct {
	buf []byte
}

// Push appends p and returns every complete line accumulated so far, with
// line terminators stripped. The trailing partial stays buffered.
func (s *LineSplitter) Push(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := s.buf[:i]
		s.buf = s.buf[i+1:]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines
}

// Rest returns whatever partial line remains buffered.
func (s *LineSplitter) Rest() []byte {
	return s.buf
}

// ParseSSELine extracts the data payload from one SSE line. Blank lines,
// comments, "event:"/"id:"/"retry:" fields and anything else return
// ok=false. Ollama's NDJSON frames are bare JSON lines, so those pass
// through ParseSSELine only when the upstream dialect speaks SSE.
func ParseSSELine(line []byte) (payload []byte, ok bool) {
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	rest, found := bytes.CutPrefix(line, []byte("data:"))
	if !found {
		return nil, false
	}
	return bytes.TrimLeft(rest, " "), true
}

// IsDone reports whether payload is the "[DONE]" sentinel.
func IsDone(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), doneSentinel)
}
