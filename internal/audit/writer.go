package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Writer externalizes audit entries as JSON lines.
type Writer interface {
	Write(entry interface{}) error
	Close() error
}

// StdoutWriter writes entries to standard output.
type StdoutWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutWriter creates a stdout writer.
func NewStdoutWriter() *StdoutWriter {
	return &StdoutWriter{enc: json.NewEncoder(os.Stdout)}
}

// Write emits the entry as one JSON line.
func (w *StdoutWriter) Write(entry interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(entry)
}

// Close is a no-op for stdout.
func (w *StdoutWriter) Close() error { return nil }

// FileWriter writes entries to a size-rotated file.
type FileWriter struct {
	mu     sync.Mutex
	out    io.WriteCloser
	enc    *json.Encoder
	closed bool
}

// NewFileWriter creates a rotating file writer. maxSizeMB, maxAgeDays, and
// maxBackups follow lumberjack semantics.
func NewFileWriter(path string, maxSizeMB, maxAgeDays, maxBackups int) (*FileWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return &FileWriter{out: out, enc: json.NewEncoder(out)}, nil
}

// Write emits the entry as one JSON line.
func (w *FileWriter) Write(entry interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	return w.enc.Encode(entry)
}

// Close closes the underlying file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.out.Close()
}
