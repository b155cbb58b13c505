package audit

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Entry is one parsed audit line
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// ReadFile parses every line of an audit log
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads audit lines from r. Lines without a timestamp prefix keep a zero Time.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, parseLine(line))
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

func parseLine(line string) Entry {
	// "[" + layout + "] "
	prefix := len(TimeLayout) + 3
	if len(line) < prefix || line[0] != '[' || line[len(TimeLayout)+1] != ']' {
		return Entry{Message: line}
	}

	ts, err := time.ParseInLocation(TimeLayout, line[1:len(TimeLayout)+1], time.Local)
	if err != nil {
		return Entry{Message: line}
	}
	return Entry{Time: ts, Message: line[prefix:]}
}

// Messages returns just the message text of each entry
func Messages(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
