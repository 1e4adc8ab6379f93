package runner

import (
	"encoding/json"
	"strings"

	"github.com/nevindra/conduit/internal/model"
)

const (
	frameStart = "---INTERCOM_OUTPUT_START---"
	frameEnd   = "---INTERCOM_OUTPUT_END---"
)

// frameExtractor accumulates raw agent stdout and extracts complete
// sentinel-delimited frames as they close, leaving any trailing partial
// frame buffered for the next write. It is prefix-stable: bytes already
// handed back as a completed frame or as streamed plain-text output are
// never re-emitted, even across calls that only add a few more bytes.
type frameExtractor struct {
	buf strings.Builder
}

// frameResult is what one call to Feed can produce.
type frameResult struct {
	// PlainText is output observed outside of any frame — the agent's
	// ordinary chatter, forwarded as stream events.
	PlainText string
	// Frame is set when a complete frame was just closed.
	Frame    model.ContainerOutput
	HasFrame bool
}

// Feed appends chunk to the internal buffer and extracts whatever is now
// extractable: plain text preceding a frame start, and at most one
// complete frame per call (callers loop until HasFrame is false and
// PlainText is empty to drain multiple frames from one chunk).
func (f *frameExtractor) Feed(chunk string) frameResult {
	f.buf.WriteString(chunk)
	raw := f.buf.String()

	startIdx := strings.Index(raw, frameStart)
	if startIdx < 0 {
		// No frame marker yet: everything buffered so far is plain text,
		// except the trailing bytes that might be the prefix of a marker
		// that hasn't fully arrived. Hold back up to len(frameStart)-1
		// bytes to stay prefix-stable against a sentinel split across
		// reads.
		holdBack := len(frameStart) - 1
		if len(raw) <= holdBack {
			return frameResult{}
		}
		emit := raw[:len(raw)-holdBack]
		f.buf.Reset()
		f.buf.WriteString(raw[len(raw)-holdBack:])
		return frameResult{PlainText: emit}
	}

	plain := raw[:startIdx]
	rest := raw[startIdx+len(frameStart):]

	endIdx := strings.Index(rest, frameEnd)
	if endIdx < 0 {
		// Frame opened but not yet closed: emit any plain text that
		// preceded it, keep the rest (including the start sentinel)
		// buffered until the close sentinel arrives.
		f.buf.Reset()
		f.buf.WriteString(raw[startIdx:])
		return frameResult{PlainText: plain}
	}

	payload := strings.TrimSpace(rest[:endIdx])
	remainder := rest[endIdx+len(frameEnd):]
	f.buf.Reset()
	f.buf.WriteString(remainder)

	var out model.ContainerOutput
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		out = model.ContainerOutput{Status: "error", Error: "malformed output frame: " + err.Error()}
	}
	return frameResult{PlainText: plain, Frame: out, HasFrame: true}
}

// Flush returns whatever plain text remains buffered with no frame
// marker in sight, for use once the process has exited.
func (f *frameExtractor) Flush() string {
	s := f.buf.String()
	f.buf.Reset()
	return s
}
