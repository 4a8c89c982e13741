package streamwork

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileType identifies a table serialization format.
type FileType int

const (
	// FileTypeAuto selects the format from the file extension.
	FileTypeAuto FileType = iota
	// FileTypeCSV is comma-separated values with a header row.
	FileTypeCSV
	// FileTypeJSON is newline-delimited JSON objects, one per row.
	FileTypeJSON
)

// String returns the canonical text form of the file type.
func (f FileType) String() string {
	switch f {
	case FileTypeAuto:
		return "auto"
	case FileTypeCSV:
		return "csv"
	case FileTypeJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// ParseFileType converts the text form of a file type back to its enum value.
func ParseFileType(s string) (FileType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return FileTypeAuto, nil
	case "csv":
		return FileTypeCSV, nil
	case "json", "jsonlines", "jsonl":
		return FileTypeJSON, nil
	default:
		return FileTypeAuto, fmt.Errorf("unknown file type %q", s)
	}
}

// DetectFileType resolves a concrete format from a file path's extension.
// Returns an error for extensions with no known format.
func DetectFileType(path string) (FileType, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FileTypeCSV, nil
	case ".json", ".jsonlines", ".jsonl":
		return FileTypeJSON, nil
	default:
		return FileTypeAuto, fmt.Errorf("cannot determine file type of %q from its extension", path)
	}
}

// resolveFileType applies auto-detection when needed.
func resolveFileType(path string, ft FileType) (FileType, error) {
	if ft != FileTypeAuto {
		return ft, nil
	}
	return DetectFileType(path)
}

// ReadOptions adjust table parsing. The zero value selects the defaults:
// comma-delimited CSV and newline-delimited JSON.
type ReadOptions struct {
	// Delimiter overrides the CSV field separator. Zero means comma.
	Delimiter rune
}

// ReadOptionsFromConfig extracts parser options from a generic config map,
// such as the parser_kwargs section of a loader config. Unknown keys are
// ignored so configs can carry options for other consumers.
func ReadOptionsFromConfig(cfg map[string]any) (ReadOptions, error) {
	var opts ReadOptions
	if raw, ok := cfg["delimiter"]; ok {
		s, okStr := raw.(string)
		if !okStr || len([]rune(s)) != 1 {
			return opts, fmt.Errorf("parser option delimiter must be a single character, got %v", raw)
		}
		opts.Delimiter = []rune(s)[0]
	}
	return opts, nil
}

// ReadTableCSV parses CSV with a header row into a table. Header names are
// matched against schema columns; CSV columns absent from the schema are
// ignored, schema columns absent from the CSV become null. Empty cells are
// null.
func ReadTableCSV(r io.Reader, schema TableSchema, opts ReadOptions) (*Table, error) {
	cr := csv.NewReader(r)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return NewTable(schema)
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	headerIdx := make(map[string]int, len(header))
	for i, name := range header {
		headerIdx[strings.TrimSpace(name)] = i
	}

	t, err := NewTable(schema)
	if err != nil {
		return nil, err
	}
	row := make(map[string]any, len(schema.Columns))
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row %d: %w", line, err)
		}
		line++
		for k := range row {
			delete(row, k)
		}
		for _, spec := range schema.Columns {
			idx, ok := headerIdx[spec.Name]
			if !ok || idx >= len(record) || record[idx] == "" {
				continue
			}
			row[spec.Name] = record[idx]
		}
		if err := t.AppendRow(row); err != nil {
			return nil, fmt.Errorf("csv row %d: %w", line, err)
		}
	}
	return t, nil
}

// ReadTableJSON parses JSON rows into a table. Both newline-delimited objects
// and a single top-level array of objects are accepted. Numbers are decoded
// as float64 and coerced per the schema.
func ReadTableJSON(r io.Reader, schema TableSchema) (*Table, error) {
	br := bufio.NewReader(r)

	// Peek past leading whitespace to see whether this is an array document.
	isArray := false
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return NewTable(schema)
		}
		if err != nil {
			return nil, err
		}
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		isArray = b == '['
		if err := br.UnreadByte(); err != nil {
			return nil, err
		}
		break
	}

	t, err := NewTable(schema)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	if isArray {
		var rows []map[string]any
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("reading json array: %w", err)
		}
		for i, row := range rows {
			if err := t.AppendRow(row); err != nil {
				return nil, fmt.Errorf("json row %d: %w", i, err)
			}
		}
		return t, nil
	}

	for i := 0; ; i++ {
		var row map[string]any
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading json row %d: %w", i, err)
		}
		if err := t.AppendRow(row); err != nil {
			return nil, fmt.Errorf("json row %d: %w", i, err)
		}
	}
	return t, nil
}

// ReadTableFile loads a table from a file, auto-detecting the format from the
// extension when ft is FileTypeAuto.
func ReadTableFile(path string, ft FileType, schema TableSchema, opts ReadOptions) (*Table, error) {
	resolved, err := resolveFileType(path, ft)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch resolved {
	case FileTypeCSV:
		return ReadTableCSV(f, schema, opts)
	case FileTypeJSON:
		return ReadTableJSON(f, schema)
	default:
		return nil, fmt.Errorf("unsupported file type %s for %q", resolved, path)
	}
}

func timeCell(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

// formatCell renders a normalized cell value as text for CSV output.
// Null cells render as the empty string.
func formatCell(spec ColumnSpec, v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case int64:
		return strconv.FormatInt(tv, 10)
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	default:
		// KindTime cells carry time.Time; fall through to the layout.
	}
	if spec.Kind == KindTime {
		if ts, ok := timeCell(v); ok {
			return ts.Format(spec.layout())
		}
	}
	return fmt.Sprintf("%v", v)
}

// jsonCell renders a normalized cell value for JSON output. Times become
// strings in the column layout so output round-trips through ReadTableJSON.
func jsonCell(spec ColumnSpec, v any) any {
	if spec.Kind == KindTime {
		if ts, ok := timeCell(v); ok {
			return ts.Format(spec.layout())
		}
	}
	return v
}

// WriteTableCSV writes the table as CSV. The header row is written only when
// includeHeader is true, letting callers append to a file that already has one.
func WriteTableCSV(w io.Writer, t *Table, includeHeader bool) error {
	cw := csv.NewWriter(w)
	if includeHeader {
		if err := cw.Write(t.ColumnNames()); err != nil {
			return err
		}
	}
	schema := t.Schema()
	record := make([]string, len(schema.Columns))
	for row := 0; row < t.NumRows(); row++ {
		for i, spec := range schema.Columns {
			v, err := t.Value(row, spec.Name)
			if err != nil {
				return err
			}
			record[i] = formatCell(spec, v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTableJSON writes the table as newline-delimited JSON objects.
func WriteTableJSON(w io.Writer, t *Table) error {
	enc := json.NewEncoder(w)
	schema := t.Schema()
	row := make(map[string]any, len(schema.Columns))
	for r := 0; r < t.NumRows(); r++ {
		for _, spec := range schema.Columns {
			v, err := t.Value(r, spec.Name)
			if err != nil {
				return err
			}
			row[spec.Name] = jsonCell(spec, v)
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
