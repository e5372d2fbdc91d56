package jobs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

const relayChunkSize = 32 * 1024

// lineSplitter turns arbitrary chunks into whole lines.
//
// Bytes after the last newline of a chunk are held until the next chunk (or
// Flush), so a line is never split or merged across chunk boundaries.
type lineSplitter struct {
	partial []byte
}

func (s *lineSplitter) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			s.partial = append(s.partial, chunk...)
			break
		}
		var line []byte
		if len(s.partial) > 0 {
			line = append(s.partial, chunk[:i]...)
			s.partial = nil
		} else {
			line = chunk[:i]
		}
		if l := decodeLine(line); l != "" {
			lines = append(lines, l)
		}
		chunk = chunk[i+1:]
	}
	return lines
}

// Flush returns the unterminated trailing line, if any.
func (s *lineSplitter) Flush() []string {
	if len(s.partial) == 0 {
		return nil
	}
	l := decodeLine(s.partial)
	s.partial = nil
	if l == "" {
		return nil
	}
	return []string{l}
}

func decodeLine(b []byte) string {
	b = bytes.TrimSuffix(b, []byte{'\r'})
	return strings.ToValidUTF8(string(b), "�")
}

// relay copies r into tee (when set) and hands every complete line to emit.
// It returns when r reaches EOF or fails.
func relay(r io.Reader, tee io.Writer, emit func(lines []string)) error {
	var split lineSplitter
	buf := make([]byte, relayChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if tee != nil {
				_, _ = tee.Write(chunk)
			}
			if lines := split.Feed(chunk); len(lines) > 0 {
				emit(lines)
			}
		}
		if err != nil {
			if lines := split.Flush(); len(lines) > 0 {
				emit(lines)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// lockedWriter serializes writes from the stdout and stderr relays.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
