// Package wire implements the daemon's stream-socket framing: NDJSON
// line splitting with a resumable per-connection buffer, the auth
// handshake, idle timeout, and connection supersession (spec.md §4.A).
package wire

import (
	"bytes"

	"github.com/ocx/hubd/internal/apierr"
)

// MaxLineBytes is the hard cap on a single NDJSON line (spec.md §4.A).
const MaxLineBytes = 1 << 20 // 1 MiB

// LineReader incrementally splits a byte stream on '\n', yielding
// complete trimmed lines and retaining any partial line across calls.
// It is resumable across arbitrary chunk boundaries, including
// mid-multibyte-UTF8 splits, since splitting happens purely on the
// ASCII '\n' byte.
type LineReader struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every complete
// line found so far (in order), leaving any trailing partial line
// buffered for the next call. Malformed oversized lines are reported
// via the returned error rather than terminating the parser: the
// caller is expected to close the connection itself, but the parser's
// own state stays well-formed so a subsequent Feed still works.
func (r *LineReader) Feed(chunk []byte) ([][]byte, error) {
	r.buf = append(r.buf, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			break
		}
		line := r.buf[:idx]
		r.buf = r.buf[idx+1:]

		trimmed := bytes.TrimRight(line, "\r")
		if len(trimmed) == 0 {
			continue // empty lines are ignored
		}
		if len(trimmed) > MaxLineBytes {
			return lines, apierr.Newf(apierr.KindIO, "line exceeds %d byte cap", MaxLineBytes)
		}
		out := make([]byte, len(trimmed))
		copy(out, trimmed)
		lines = append(lines, out)
	}

	if len(r.buf) > MaxLineBytes {
		return lines, apierr.Newf(apierr.KindIO, "unterminated line exceeds %d byte cap", MaxLineBytes)
	}
	return lines, nil
}

// Pending returns the currently buffered, not-yet-terminated remainder.
func (r *LineReader) Pending() []byte { return r.buf }
