package svinit

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// OutputSink receives the standard output and error streams of service
// processes. Open is called once per spawn; the caller closes both writers
// after the process exited.
type OutputSink interface {
	Open(service string) (stdout, stderr io.WriteCloser, err error)
}

// LogSink forwards every output line to a zap logger
type LogSink struct {
	Logger *zap.Logger
}

// Open implements OutputSink
func (s LogSink) Open(service string) (io.WriteCloser, io.WriteCloser, error) {
	l := s.Logger
	if l == nil {
		l = zap.NewNop()
	}
	l = l.With(zap.String("service", service))
	return newLineWriter(l.With(zap.String("stream", "stdout"))),
		newLineWriter(l.With(zap.String("stream", "stderr"))), nil
}

// DirSink appends the output of each service to <Dir>/<service>.log. The
// same file is returned for both streams; closing it twice is harmless.
type DirSink struct {
	Dir string
}

// Open implements OutputSink
func (s DirSink) Open(service string) (io.WriteCloser, io.WriteCloser, error) {
	if err := os.MkdirAll(s.Dir, DirMode); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.Dir, service+".log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, FileMode)
	if err != nil {
		return nil, nil, err
	}
	// Both streams share the file. Handing exec an *os.File lets the child
	// write to it directly, so output survives the manager going away.
	return f, f, nil
}

// StdioSink writes to the current process's stdout and stderr and never closes them
type StdioSink struct{}

// Open implements OutputSink
func (StdioSink) Open(string) (io.WriteCloser, io.WriteCloser, error) {
	return nopCloser{os.Stdout}, nopCloser{os.Stderr}, nil
}

// DiscardSink drops all output
type DiscardSink struct{}

// Open implements OutputSink
func (DiscardSink) Open(string) (io.WriteCloser, io.WriteCloser, error) {
	return nopCloser{io.Discard}, nopCloser{io.Discard}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// maxLine bounds a buffered partial line
const maxLine = 64 * 1024

// lineWriter splits a byte stream into lines and logs each one
type lineWriter struct {
	mu     sync.Mutex
	logger *zap.Logger
	buf    bytes.Buffer
}

func newLineWriter(l *zap.Logger) *lineWriter {
	return &lineWriter{logger: l}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line; keep it unless it grew too large
			if len(line) >= maxLine {
				w.logger.Info(string(line))
			} else {
				w.buf.Write(line)
			}
			break
		}
		w.logger.Info(string(bytes.TrimRight(line, "\r\n")))
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.logger.Info(w.buf.String())
		w.buf.Reset()
	}
	return nil
}
