// Package input reads the parcel list from a CSV or XLSX file and validates
// it into cadastre.InputRecord values.
package input

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

// DefaultFiles are probed, in order, when no input path is given.
var DefaultFiles = []string{"fincas2.xlsx", "fincas2.csv"}

// Column names as they appear in source sheets.
const (
	ColumnIdentifier = "referencia"
	ColumnCategory   = "tipo"
	ColumnLabel      = "nombre"
	ColumnColor      = "color"
)

var requiredColumns = []string{ColumnIdentifier, ColumnCategory, ColumnLabel, ColumnColor}

var aliases = map[string]string{
	"identifier": ColumnIdentifier,
	"category":   ColumnCategory,
	"label":      ColumnLabel,
	"colour":     ColumnColor,
}

var (
	// ErrEmptyInput means the source has no data rows.
	ErrEmptyInput = errors.New("input has no records")
	// ErrUnsupportedFormat is returned for extensions other than .csv and .xlsx.
	ErrUnsupportedFormat = errors.New("unsupported input format")
	// ErrNoInputFile is returned by Discover when no candidate exists.
	ErrNoInputFile = errors.New("no input file found")
)

// MissingColumnsError lists required columns absent from the header.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "missing columns: " + strings.Join(e.Columns, ", ")
}

// RowError reports a data row with empty required fields. Row is 1-based and
// counts the header.
type RowError struct {
	Row    int
	Fields []string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: empty %s", e.Row, strings.Join(e.Fields, ", "))
}

// ReadFile loads records from path, choosing the decoder by extension.
func ReadFile(path string) ([]cadastre.InputRecord, error) {
	// #nosec G304 -- the operator chooses the input file.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f)
	case ".xlsx":
		return ReadXLSX(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// ReadCSV decodes comma separated rows. A UTF-8 byte order mark is ignored.
func ReadCSV(r io.Reader) ([]cadastre.InputRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return FromRows(rows)
}

// ReadXLSX decodes the first sheet of a workbook.
func ReadXLSX(r io.Reader) ([]cadastre.InputRecord, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		_ = book.Close()
	}()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyInput
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return FromRows(rows)
}

// FromRows validates a header row followed by data rows. Leading blank rows
// and blank data rows are skipped.
func FromRows(rows [][]string) ([]cadastre.InputRecord, error) {
	start := 0
	for start < len(rows) && isBlank(rows[start]) {
		start++
	}
	if start == len(rows) {
		return nil, ErrEmptyInput
	}

	index := headerIndex(rows[start])
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	records := make([]cadastre.InputRecord, 0, len(rows)-start-1)
	for i := start + 1; i < len(rows); i++ {
		row := rows[i]
		if isBlank(row) {
			continue
		}
		rec := cadastre.InputRecord{
			Identifier: cell(row, index[ColumnIdentifier]),
			Category:   cell(row, index[ColumnCategory]),
			Label:      cell(row, index[ColumnLabel]),
			ColorTag:   cell(row, index[ColumnColor]),
		}
		if empty := EmptyFields(rec); len(empty) > 0 {
			return nil, &RowError{Row: i + 1, Fields: empty}
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, ErrEmptyInput
	}
	return records, nil
}

// EmptyFields names the required fields of rec that are blank.
func EmptyFields(rec cadastre.InputRecord) []string {
	var out []string
	if strings.TrimSpace(rec.Identifier) == "" {
		out = append(out, ColumnIdentifier)
	}
	if strings.TrimSpace(rec.Category) == "" {
		out = append(out, ColumnCategory)
	}
	if strings.TrimSpace(rec.Label) == "" {
		out = append(out, ColumnLabel)
	}
	if strings.TrimSpace(rec.ColorTag) == "" {
		out = append(out, ColumnColor)
	}
	return out
}

// Discover returns the first candidate that exists in dir.
func Discover(dir string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		candidates = DefaultFiles
	}
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: looked for %s in %s", ErrNoInputFile, strings.Join(candidates, ", "), dir)
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if canonical, ok := aliases[key]; ok {
			key = canonical
		}
		if _, seen := idx[key]; !seen {
			idx[key] = i
		}
	}
	return idx
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
