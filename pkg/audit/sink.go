// Package audit provides append-only, durably flushed record streams.
//
// Every Write reaches stable storage before it returns, so a crash inside a
// protected region still leaves a readable partial log.
package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimeLayout prefixes every audit line
const TimeLayout = "2006-01-02 15:04:05"

// ErrClosed is returned by Write after Close
var ErrClosed = errors.New("audit sink closed")

// Sink is an append-only record target
type Sink interface {
	Write(message string) error
	Close() error
}

// FileSink appends timestamped lines to a text file
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	now    func() time.Time
	closed bool
}

// FileOption configures a FileSink
type FileOption func(*FileSink)

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) FileOption {
	return func(s *FileSink) {
		s.now = now
	}
}

// OpenFile opens path in append mode, creating it and its directory if needed.
// Successive runs accumulate history in the same file.
func OpenFile(path string, opts ...FileOption) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}

	s := &FileSink{file: f, path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the file backing the sink
func (s *FileSink) Path() string {
	return s.path
}

// Write appends one line and fsyncs before returning
func (s *FileSink) Write(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	line := FormatLine(s.now(), message)
	if _, err := s.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Close is idempotent
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// lineBreaks keeps a record on one physical line
var lineBreaks = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\r`)

// FormatLine renders one audit line including the trailing newline.
// Line breaks inside message are written as the two characters \n.
func FormatLine(t time.Time, message string) string {
	return fmt.Sprintf("[%s] %s\n", t.Format(TimeLayout), lineBreaks.Replace(message))
}
