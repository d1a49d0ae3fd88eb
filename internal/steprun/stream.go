// SPDX-License-Identifier: MPL-2.0

package steprun

import (
	"bytes"
	"io"
	"sync"
)

// Stream serializes live step output from concurrent environments onto one
// writer, one whole line at a time, each prefixed with its environment.
type Stream struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStream wraps out.
func NewStream(out io.Writer) *Stream {
	return &Stream{out: out}
}

// Writer returns a line-buffered writer that prefixes lines with "[prefix] ".
// Call Flush on it once the step ends to emit a trailing partial line.
func (s *Stream) Writer(prefix string) *LineWriter {
	return &LineWriter{stream: s, prefix: []byte("[" + prefix + "] ")}
}

// LineWriter buffers partial lines for a Stream.
type LineWriter struct {
	stream  *Stream
	prefix  []byte
	mu      sync.Mutex
	pending []byte
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(w.pending[:i+1])
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush writes any buffered partial line, terminated with a newline.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(append(w.pending, '\n'))
		w.pending = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	w.stream.mu.Lock()
	defer w.stream.mu.Unlock()
	_, _ = w.stream.out.Write(append(append([]byte{}, w.prefix...), line...))
}
