package log

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxLine bounds how much of an unterminated line is buffered.
const maxLine = 64 * 1024

type lineWriter struct {
	logger *Logger
	level  slog.Level
	msg    string

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.slog.Log(context.Background(), w.level, w.msg, "line", string(line))
}
