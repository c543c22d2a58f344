// File: internal/project/table.go
package project

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
)

// Standard process table columns, in file order.
const (
	ColParticipant = "participant"
	ColSex         = "sex"
	ColLaterality  = "laterality"
	ColGroup       = "group"
	ColMass        = "mass"
	ColHeight      = "height"
	ColConfFile    = "conf_file"
	ColProcess     = "process"
)

// Columns is the header written for a new project table.
var Columns = []string{ColParticipant, ColSex, ColLaterality, ColGroup, ColMass, ColHeight, ColConfFile, ColProcess}

// Row is one participant record of the process table.
type Row struct {
	Participant string
	Process     bool
	ConfFile    string
	// cells holds every column by name, including ones this package does not interpret.
	cells map[string]string
}

// Cell returns the raw text of a column.
func (r Row) Cell(column string) string {
	switch column {
	case ColParticipant:
		return r.Participant
	case ColConfFile:
		return r.ConfFile
	case ColProcess:
		return strconv.FormatBool(r.Process)
	}
	return r.cells[column]
}

// Document builds the template record written as a new participant's document.
// Numeric cells become numbers, empty cells become null.
func (r Row) Document(header []string) confdoc.Value {
	entries := make(map[string]confdoc.Value, len(header))
	for _, col := range header {
		if col == "" {
			continue
		}
		if col == ColProcess {
			entries[col] = confdoc.Bool(r.Process)
			continue
		}
		raw := strings.TrimSpace(r.Cell(col))
		if raw == "" {
			entries[col] = confdoc.Null()
			continue
		}
		if col != ColParticipant {
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				entries[col] = confdoc.Number(f)
				continue
			}
		}
		entries[col] = confdoc.String(raw)
	}
	return confdoc.Map(entries)
}

// Table is the in-memory process table. Row order is file order.
type Table struct {
	Header []string
	Rows   []Row
}

// ParseProcess interprets a process cell. Anything other than a true-like token is false.
func ParseProcess(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "1", "true", "1.0", "yes":
		return true
	}
	return false
}

// ReadTable decodes a process table.
func ReadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("process table has no header")
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	if indexOf(header, ColParticipant) < 0 {
		return nil, fmt.Errorf("process table is missing the %q column", ColParticipant)
	}
	for _, required := range []string{ColConfFile, ColProcess} {
		if indexOf(header, required) < 0 {
			header = append(header, required)
		}
	}

	t := &Table{Header: header}
	for line, rec := range records[1:] {
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		row := Row{cells: make(map[string]string, len(header))}
		for i, col := range header {
			var cell string
			if i < len(rec) {
				cell = rec[i]
			}
			switch col {
			case ColParticipant:
				row.Participant = strings.TrimSpace(cell)
			case ColConfFile:
				row.ConfFile = strings.TrimSpace(cell)
			case ColProcess:
				row.Process = ParseProcess(cell)
			default:
				row.cells[col] = cell
			}
		}
		if row.Participant == "" {
			return nil, fmt.Errorf("process table row %d has no participant", line+2)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Encode renders the table as CSV.
func (t *Table) Encode() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header); err != nil {
		return nil, err
	}
	for _, row := range t.Rows {
		rec := make([]string, len(t.Header))
		for i, col := range t.Header {
			rec[i] = row.Cell(col)
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Column returns the raw cells of a column in row order.
func (t *Table) Column(name string) ([]string, error) {
	if indexOf(t.Header, name) < 0 {
		return nil, fmt.Errorf("process table has no column %q", name)
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row.Cell(name)
	}
	return out, nil
}

// Find returns the index of the first row for participant.
func (t *Table) Find(participant string) int {
	for i, row := range t.Rows {
		if row.Participant == participant {
			return i
		}
	}
	return -1
}

func indexOf(list []string, s string) int {
	for i, it := range list {
		if it == s {
			return i
		}
	}
	return -1
}
