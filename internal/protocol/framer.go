package protocol

import "bytes"

// MaxFrameBytes bounds a single telemetry line. The firmware sends well
// under 100 bytes per frame; anything longer is line noise.
const MaxFrameBytes = 1024

// LineFramer reassembles transport chunks into newline-terminated frames.
// Chunks may hold zero, one or several frames, or part of one.
type LineFramer struct {
	buf     []byte
	max     int
	dropped int
	// discarding is set once a partial frame overflows; bytes are skipped
	// up to the next newline.
	discarding bool
}

// NewLineFramer returns a framer that discards partial frames longer than
// maxBytes. maxBytes <= 0 selects MaxFrameBytes.
func NewLineFramer(maxBytes int) *LineFramer {
	if maxBytes <= 0 {
		maxBytes = MaxFrameBytes
	}
	return &LineFramer{max: maxBytes}
}

// Feed appends chunk and returns every complete frame it finished, without
// terminators. Empty lines are skipped and a trailing \r is trimmed.
func (f *LineFramer) Feed(chunk []byte) []string {
	var frames []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if f.discarding {
			if i < 0 {
				break
			}
			f.discarding = false
			chunk = chunk[i+1:]
			continue
		}
		if i < 0 {
			f.buf = append(f.buf, chunk...)
			if len(f.buf) > f.max {
				f.buf = f.buf[:0]
				f.dropped++
				f.discarding = true
			}
			break
		}

		line := chunk[:i]
		if len(f.buf) > 0 {
			line = append(f.buf, line...)
		}
		chunk = chunk[i+1:]

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) > f.max {
			f.dropped++
		} else if len(bytes.TrimSpace(line)) > 0 {
			frames = append(frames, string(line))
		}
		f.buf = f.buf[:0]
	}
	return frames
}

// Pending returns the number of buffered bytes of an unfinished frame.
func (f *LineFramer) Pending() int { return len(f.buf) }

// Dropped returns how many oversized frames were discarded.
func (f *LineFramer) Dropped() int { return f.dropped }

// Reset discards any partial frame. Call it when a new connection starts.
func (f *LineFramer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}
