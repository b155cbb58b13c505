// Package batch drives a stream of command records through a body inside
// one propagating unit.
package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Header is the column layout of a command file
var Header = []string{"ID", "Operation", "Priority"}

// ErrBadHeader is returned when the first row lacks the ID or Operation column
var ErrBadHeader = errors.New("command file header must contain ID and Operation")

// Record is one command row
type Record struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Priority  string `json:"priority"`

	// Line is the 1-based line in the source file
	Line int `json:"line,omitempty"`
}

// RecordSource yields records in stream order and io.EOF at the end
type RecordSource interface {
	Next() (Record, error)
}

// Reader reads records lazily from CSV
type Reader struct {
	r       *csv.Reader
	columns map[string]int
	line    int
}

// NewReader consumes the header row and returns a reader positioned on the
// first record. Column matching ignores case and order.
func NewReader(r io.Reader) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty input", ErrBadHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := columns["id"]; !ok {
		return nil, ErrBadHeader
	}
	if _, ok := columns["operation"]; !ok {
		return nil, ErrBadHeader
	}

	return &Reader{r: cr, columns: columns, line: 1}, nil
}

// Next returns the next record or io.EOF
func (r *Reader) Next() (Record, error) {
	row, err := r.r.Read()
	if err != nil {
		return Record{}, err
	}
	r.line++

	rec := Record{
		ID:        r.field(row, "id"),
		Operation: r.field(row, "operation"),
		Priority:  r.field(row, "priority"),
		Line:      r.line,
	}
	if rec.ID == "" {
		return Record{}, fmt.Errorf("line %d: missing ID", r.line)
	}
	return rec, nil
}

func (r *Reader) field(row []string, column string) string {
	i, ok := r.columns[column]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ReadAll drains src
func ReadAll(src RecordSource) ([]Record, error) {
	var out []Record
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

type sliceSource struct {
	records []Record
	pos     int
}

// Records returns a source over an in-memory list
func Records(records ...Record) RecordSource {
	return &sliceSource{records: records}
}

func (s *sliceSource) Next() (Record, error) {
	if s.pos >= len(s.records) {
		return Record{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

// DefaultFixture is the demonstration command set; CMD003 is the one that fails
func DefaultFixture() []Record {
	return []Record{
		{ID: "CMD001", Operation: "Image Processing", Priority: "High"},
		{ID: "CMD002", Operation: "Send Email", Priority: "Medium"},
		{ID: "CMD003", Operation: "Expected Error", Priority: "Critical"},
		{ID: "CMD004", Operation: "Database Backup", Priority: "Low"},
	}
}

// FailingOperation is the operation in DefaultFixture that is meant to fail
const FailingOperation = "Expected Error"

// WriteFixture writes records with a header row to path, replacing it
func WriteFixture(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create fixture %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return err
	}
	for _, rec := range records {
		if err := w.Write([]string{rec.ID, rec.Operation, rec.Priority}); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
