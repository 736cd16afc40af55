package executor

import (
	"bytes"
	"strings"
	"sync"
)

const maxLineLength = 8 * 1024

// lineWriter splits a byte stream into lines and forwards each one as soon as
// its newline arrives.
type lineWriter struct {
	mu   sync.Mutex
	sink Sink
	buf  bytes.Buffer
}

func newLineWriter(sink Sink) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if w.buf.Len() > maxLineLength {
				w.emit(string(w.buf.Next(maxLineLength)))
				continue
			}
			return len(p), nil
		}
		line := string(data[:idx])
		w.buf.Next(idx + 1)
		w.emit(line)
	}
}

// Flush forwards a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" || w.sink == nil {
		return
	}
	w.sink(line)
}
