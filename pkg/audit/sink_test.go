package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	return func() time.Time { return t }
}

func TestFileSinkWriteFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	s, err := OpenFile(path, WithClock(fixedClock()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write("BEGIN batch"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[2026-03-14 09:26:53] BEGIN batch\n", string(data))
}

func TestFileSinkKeepsOneRecordPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	s, err := OpenFile(path, WithClock(fixedClock()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write("ABORT batch: query failed:\nline 2\r\nline 3"))
	require.NoError(t, s.Write("END next"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, `ABORT batch: query failed:\nline 2\nline 3`, entries[0].Message)
	assert.False(t, entries[0].Time.IsZero())
}

// A reader that never sees Close must still find every written line.
func TestFileSinkDurableBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "journal.log")
	s, err := OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	messages := []string{"BEGIN unit", "processing CMD001: Image Processing", "processed CMD001"}
	for i, msg := range messages {
		require.NoError(t, s.Write(msg))

		entries, err := ReadFile(path)
		require.NoError(t, err)
		require.Len(t, entries, i+1)
		assert.Equal(t, msg, entries[i].Message)
	}
}

func TestFileSinkAppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")

	for _, msg := range []string{"first run", "second run"} {
		s, err := OpenFile(path)
		require.NoError(t, err)
		require.NoError(t, s.Write(msg))
		require.NoError(t, s.Close())
	}

	entries, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first run", "second run"}, Messages(entries))
}

func TestFileSinkClose(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "a.log"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	assert.ErrorIs(t, s.Write("late"), ErrClosed)
}

func TestOpenFileFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenFile(dir) // a directory cannot be opened for append
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open audit log")
}

func TestParse(t *testing.T) {
	input := strings.Join([]string{
		"[2026-03-14 09:26:53] BEGIN batch",
		"",
		"not an audit line",
		"[2026-03-14 09:26:54] ABORT batch: critical failure on command CMD003",
	}, "\n")

	entries, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "BEGIN batch", entries[0].Message)
	assert.Equal(t, 53, entries[0].Time.Second())
	assert.True(t, entries[1].Time.IsZero())
	assert.Equal(t, "not an audit line", entries[1].Message)
	assert.Equal(t, "ABORT batch: critical failure on command CMD003", entries[2].Message)
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default file", Config{Path: filepath.Join(dir, "a.log")}, false},
		{"file without path", Config{Backend: "file"}, true},
		{"sqlite", Config{Backend: "sqlite", Path: filepath.Join(dir, "audit.db"), Unit: "u"}, false},
		{"postgres without dsn", Config{Backend: "postgres"}, true},
		{"unknown", Config{Backend: "kafka"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}

	_, err := Open(Config{Backend: "kafka"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}
