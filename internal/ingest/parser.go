// Package ingest parses uploaded tabular files into column names and a preview
// of their rows. CSV files get delimiter sniffing and a Latin-1 fallback;
// spreadsheets are read from their first sheet.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// Ingest failures.
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyFile         = errors.New("file is empty")
	ErrParseFailure      = errors.New("file could not be parsed")
)

// DefaultPreviewRows is the number of data rows kept for preview.
const DefaultPreviewRows = 5

// sniffWindow is how many leading bytes are inspected to pick a CSV delimiter.
const sniffWindow = 1024

// Table is the parsed shape of an uploaded file.
type Table struct {
	// Columns holds unique header names in file order.
	Columns []string
	// Preview holds up to PreviewRows leading data rows.
	Preview [][]string
	// RowCount is the number of data rows, header excluded.
	RowCount int
}

// Parser turns raw file bytes into a Table.
type Parser struct {
	PreviewRows int
}

// NewParser constructs a Parser with the default preview size.
func NewParser() *Parser {
	return &Parser{PreviewRows: DefaultPreviewRows}
}

// Parse dispatches on the file extension. It returns ErrUnsupportedFormat for
// anything that is not CSV or XLSX, ErrEmptyFile when no header can be found
// and ErrParseFailure, wrapping the reader's message, for malformed content.
func (p *Parser) Parse(data []byte, filename string) (Table, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return p.parseCSV(data)
	case ".xlsx":
		return p.parseXLSX(data)
	default:
		return Table{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

func (p *Parser) parseCSV(data []byte) (Table, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return Table{}, ErrEmptyFile
	}
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return Table{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
		}
		data = decoded
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.TrimLeadingSpace = r.Comma != '\t'
	// Short rows are padded to the header width; only rows wider than the
	// header are rejected.
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return Table{}, ErrEmptyFile
	}
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}

	t := Table{Columns: uniqueColumns(header)}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
		}
		if len(rec) > len(t.Columns) {
			line, _ := r.FieldPos(0)
			return Table{}, fmt.Errorf("%w: line %d: expected %d fields, saw %d", ErrParseFailure, line, len(t.Columns), len(rec))
		}
		t.add(rec, p.previewRows())
	}
	return t, nil
}

func (p *Parser) parseXLSX(data []byte) (Table, error) {
	if len(data) == 0 {
		return Table{}, ErrEmptyFile
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	for len(rows) > 0 && blank(rows[0]) {
		rows = rows[1:]
	}
	if len(rows) == 0 {
		return Table{}, ErrEmptyFile
	}

	t := Table{Columns: uniqueColumns(rows[0])}
	for _, rec := range rows[1:] {
		t.add(rec, p.previewRows())
	}
	return t, nil
}

func (p *Parser) previewRows() int {
	if p.PreviewRows <= 0 {
		return DefaultPreviewRows
	}
	return p.PreviewRows
}

func (t *Table) add(rec []string, limit int) {
	t.RowCount++
	if len(t.Preview) < limit {
		row := append([]string(nil), rec...)
		for len(row) < len(t.Columns) {
			row = append(row, "")
		}
		t.Preview = append(t.Preview, row)
	}
}

// sniffDelimiter prefers ';', then ',', then tab within the leading window.
func sniffDelimiter(data []byte) rune {
	sample := data
	if len(sample) > sniffWindow {
		sample = sample[:sniffWindow]
	}
	switch {
	case bytes.IndexByte(sample, ';') >= 0:
		return ';'
	case bytes.IndexByte(sample, ',') >= 0:
		return ','
	case bytes.IndexByte(sample, '\t') >= 0:
		return '\t'
	default:
		return ','
	}
}

// uniqueColumns names blank headers "Unnamed: <i>" and suffixes repeats
// with ".1", ".2" so every column can key metadata and rules.
func uniqueColumns(header []string) []string {
	out := make([]string, len(header))
	used := make(map[string]bool, len(header))
	for i, h := range header {
		base := strings.TrimSpace(h)
		if base == "" {
			base = fmt.Sprintf("Unnamed: %d", i)
		}
		name := base
		for n := 1; used[name]; n++ {
			name = fmt.Sprintf("%s.%d", base, n)
		}
		used[name] = true
		out[i] = name
	}
	return out
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
