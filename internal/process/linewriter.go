package process

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const maxLine = 64 << 10

// lineWriter relays child output to the logger one line at a time and tees
// the raw bytes into an optional file. It never blocks the child on logging
// failures.
type lineWriter struct {
	mu     sync.Mutex
	log    *slog.Logger
	level  slog.Level
	stream string
	file   io.WriteCloser
	buf    []byte
}

func newLineWriter(log *slog.Logger, level slog.Level, stream string, file io.WriteCloser) *lineWriter {
	return &lineWriter{log: log, level: level, stream: stream, file: file}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		if _, err := w.file.Write(p); err != nil {
			w.file = nil // stop teeing after a file error; keep logging
		}
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.log.Log(context.Background(), w.level, "worker output", "stream", w.stream, "line", string(line))
}

// Close flushes a trailing partial line and closes the file.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}
