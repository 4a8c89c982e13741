package streamwork

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ColumnKind identifies the value type stored in a table column.
type ColumnKind int

const (
	// KindString stores string values.
	KindString ColumnKind = iota
	// KindInt stores int64 values.
	KindInt
	// KindFloat stores float64 values.
	KindFloat
	// KindBool stores bool values.
	KindBool
	// KindTime stores time.Time values.
	KindTime
)

// String returns the canonical text form of the kind, as used in schema
// documents.
func (k ColumnKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseColumnKind converts the text form of a kind back to its enum value.
func ParseColumnKind(s string) (ColumnKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "str":
		return KindString, nil
	case "int", "integer":
		return KindInt, nil
	case "float", "double":
		return KindFloat, nil
	case "bool", "boolean":
		return KindBool, nil
	case "time", "timestamp", "datetime":
		return KindTime, nil
	default:
		return KindString, fmt.Errorf("unknown column kind %q", s)
	}
}

// MarshalYAML implements yaml.Marshaler so schemas round-trip as text.
func (k ColumnKind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *ColumnKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseColumnKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ColumnSpec describes a single table column.
type ColumnSpec struct {
	Name string     `yaml:"name"        validate:"required"`
	Kind ColumnKind `yaml:"kind"`
	// TimeLayout is the Go reference layout used to parse string values into
	// KindTime columns. Defaults to RFC 3339 when empty.
	TimeLayout string `yaml:"time_layout,omitempty"`
	// Required columns reject null values on row append.
	Required bool `yaml:"required,omitempty"`
}

// layout returns the effective time layout for this column.
func (c ColumnSpec) layout() string {
	if c.TimeLayout != "" {
		return c.TimeLayout
	}
	return time.RFC3339
}

// TableSchema is a versioned, declarative description of a table's columns.
// Schemas travel inside module configuration as plain data, so two processes
// can agree on a payload layout without sharing code.
type TableSchema struct {
	Version int          `yaml:"schema_version"`
	Columns []ColumnSpec `yaml:"columns" validate:"required,min=1,dive"`
}

// Validate checks the schema for structural problems: no columns, duplicate
// column names, or missing names.
func (s TableSchema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for i, col := range s.Columns {
		if col.Name == "" {
			return fmt.Errorf("schema column %d has no name", i)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("schema column %q declared twice", col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	return nil
}

// Column returns the spec and index for the named column.
func (s TableSchema) Column(name string) (ColumnSpec, int, bool) {
	for i, col := range s.Columns {
		if col.Name == name {
			return col, i, true
		}
	}
	return ColumnSpec{}, -1, false
}

// ColumnNames returns the column names in declaration order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		names[i] = col.Name
	}
	return names
}

// Equal reports whether two schemas declare the same columns in the same
// order with the same kinds. Version and layout differences are ignored;
// they do not affect value compatibility.
func (s TableSchema) Equal(other TableSchema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, col := range s.Columns {
		if col.Name != other.Columns[i].Name || col.Kind != other.Columns[i].Kind {
			return false
		}
	}
	return true
}

// SchemaFromConfig decodes a schema from a generic configuration mapping,
// typically the "schema" section of a module config. The round trip through
// YAML gives schema documents and inline configs identical semantics.
func SchemaFromConfig(cfg map[string]any) (*TableSchema, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding schema config: %w", err)
	}
	var schema TableSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decoding schema config: %w", err)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &schema, nil
}

// normalizeValue coerces a raw value into the canonical Go type for the given
// column kind. nil passes through and represents a null cell.
func normalizeValue(spec ColumnSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch spec.Kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil

	case KindInt:
		switch tv := v.(type) {
		case int:
			return int64(tv), nil
		case int32:
			return int64(tv), nil
		case int64:
			return tv, nil
		case float64:
			return int64(tv), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(tv), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", spec.Name, err)
			}
			return n, nil
		}

	case KindFloat:
		switch tv := v.(type) {
		case float64:
			return tv, nil
		case float32:
			return float64(tv), nil
		case int:
			return float64(tv), nil
		case int64:
			return float64(tv), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", spec.Name, err)
			}
			return f, nil
		}

	case KindBool:
		switch tv := v.(type) {
		case bool:
			return tv, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(tv))
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", spec.Name, err)
			}
			return b, nil
		}

	case KindTime:
		switch tv := v.(type) {
		case time.Time:
			return tv, nil
		case string:
			t, err := time.Parse(spec.layout(), strings.TrimSpace(tv))
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", spec.Name, err)
			}
			return t, nil
		}
	}
	return nil, fmt.Errorf("column %q: cannot store %T as %s", spec.Name, v, spec.Kind)
}

// compareValues orders two normalized cell values of the same kind.
// Nulls sort before any value.
func compareValues(kind ColumnKind, a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch kind {
	case KindString:
		return strings.Compare(a.(string), b.(string))
	case KindInt:
		av, bv := a.(int64), b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case KindFloat:
		av, bv := a.(float64), b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case KindBool:
		av, bv := a.(bool), b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
		return 0
	case KindTime:
		av, bv := a.(time.Time), b.(time.Time)
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		}
		return 0
	}
	return 0
}

// Table is an in-memory columnar container: a schema plus one value slice per
// column, all of equal length. Cells hold the canonical Go type for their
// column kind, or nil for null. Tables are not synchronized; share them
// between goroutines through a TableMeta handle.
type Table struct {
	schema  TableSchema
	columns [][]any
}

// NewTable creates an empty table with the given schema.
func NewTable(schema TableSchema) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Table{
		schema:  schema,
		columns: make([][]any, len(schema.Columns)),
	}, nil
}

// NewTableFromRows creates a table and appends the given rows in order.
func NewTableFromRows(schema TableSchema, rows []map[string]any) (*Table, error) {
	t, err := NewTable(schema)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if err := t.AppendRow(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return t, nil
}

// Schema returns the table's schema.
func (t *Table) Schema() TableSchema {
	return t.schema
}

// NumRows returns the number of rows in the table.
func (t *Table) NumRows() int {
	if len(t.columns) == 0 {
		return 0
	}
	return len(t.columns[0])
}

// NumColumns returns the number of columns in the table.
func (t *Table) NumColumns() int {
	return len(t.schema.Columns)
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	return t.schema.ColumnNames()
}

// AppendRow adds one row to the table. Values are coerced to the column kind;
// missing optional columns become null, missing required columns are an error.
func (t *Table) AppendRow(values map[string]any) error {
	normalized := make([]any, len(t.schema.Columns))
	for i, spec := range t.schema.Columns {
		raw, present := values[spec.Name]
		if !present || raw == nil {
			if spec.Required {
				return fmt.Errorf("required column %q is null", spec.Name)
			}
			normalized[i] = nil
			continue
		}
		v, err := normalizeValue(spec, raw)
		if err != nil {
			return err
		}
		if v == nil && spec.Required {
			return fmt.Errorf("required column %q is null", spec.Name)
		}
		normalized[i] = v
	}
	for i := range t.columns {
		t.columns[i] = append(t.columns[i], normalized[i])
	}
	return nil
}

// Value returns the cell at the given row in the named column.
func (t *Table) Value(row int, column string) (any, error) {
	_, idx, ok := t.schema.Column(column)
	if !ok {
		return nil, fmt.Errorf("table has no column %q", column)
	}
	if row < 0 || row >= t.NumRows() {
		return nil, fmt.Errorf("row %d out of range [0,%d)", row, t.NumRows())
	}
	return t.columns[idx][row], nil
}

// Column returns the backing value slice for the named column. The slice is a
// read-only view; callers must not modify it.
func (t *Table) Column(name string) ([]any, error) {
	_, idx, ok := t.schema.Column(name)
	if !ok {
		return nil, fmt.Errorf("table has no column %q", name)
	}
	return t.columns[idx], nil
}

// Float64Column returns the named column as float64 values. Int columns are
// widened; null cells are an error because the caller cannot distinguish a
// null from a zero score.
func (t *Table) Float64Column(name string) ([]float64, error) {
	spec, idx, ok := t.schema.Column(name)
	if !ok {
		return nil, fmt.Errorf("table has no column %q", name)
	}
	out := make([]float64, len(t.columns[idx]))
	for i, v := range t.columns[idx] {
		switch tv := v.(type) {
		case float64:
			out[i] = tv
		case int64:
			out[i] = float64(tv)
		case nil:
			return nil, fmt.Errorf("column %q: null value at row %d", name, i)
		default:
			return nil, fmt.Errorf("column %q: %s cell cannot be read as float", name, spec.Kind)
		}
	}
	return out, nil
}

// TimeColumn returns the named column as time values. Null cells are an error.
func (t *Table) TimeColumn(name string) ([]time.Time, error) {
	_, idx, ok := t.schema.Column(name)
	if !ok {
		return nil, fmt.Errorf("table has no column %q", name)
	}
	out := make([]time.Time, len(t.columns[idx]))
	for i, v := range t.columns[idx] {
		tv, okTime := v.(time.Time)
		if !okTime {
			return nil, fmt.Errorf("column %q: row %d is not a time value", name, i)
		}
		out[i] = tv
	}
	return out, nil
}

// Slice returns a new table holding rows [start, stop).
func (t *Table) Slice(start, stop int) (*Table, error) {
	if start < 0 || stop < start || stop > t.NumRows() {
		return nil, fmt.Errorf("slice [%d,%d) out of range [0,%d)", start, stop, t.NumRows())
	}
	out, _ := NewTable(t.schema)
	for i := range t.columns {
		out.columns[i] = append(out.columns[i], t.columns[i][start:stop]...)
	}
	return out, nil
}

// CopyRanges returns a new table holding the concatenation of the given
// half-open row ranges, in order.
func (t *Table) CopyRanges(ranges [][2]int) (*Table, error) {
	out, _ := NewTable(t.schema)
	for _, r := range ranges {
		start, stop := r[0], r[1]
		if start < 0 || stop < start || stop > t.NumRows() {
			return nil, fmt.Errorf("range [%d,%d) out of range [0,%d)", start, stop, t.NumRows())
		}
		for i := range t.columns {
			out.columns[i] = append(out.columns[i], t.columns[i][start:stop]...)
		}
	}
	return out, nil
}

// SelectColumns returns a new table containing only the named columns, in the
// given order. Values are copied.
func (t *Table) SelectColumns(names []string) (*Table, error) {
	specs := make([]ColumnSpec, 0, len(names))
	indices := make([]int, 0, len(names))
	for _, name := range names {
		spec, idx, ok := t.schema.Column(name)
		if !ok {
			return nil, fmt.Errorf("table has no column %q", name)
		}
		specs = append(specs, spec)
		indices = append(indices, idx)
	}
	out := &Table{
		schema:  TableSchema{Version: t.schema.Version, Columns: specs},
		columns: make([][]any, len(specs)),
	}
	for i, idx := range indices {
		out.columns[i] = append(out.columns[i], t.columns[idx]...)
	}
	return out, nil
}

// DropColumns returns a new table without the named columns. Dropping a
// column the table does not have is an error; dropping every column is too,
// since a table cannot exist without a schema.
func (t *Table) DropColumns(names ...string) (*Table, error) {
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		if _, _, ok := t.schema.Column(name); !ok {
			return nil, fmt.Errorf("table has no column %q", name)
		}
		drop[name] = true
	}
	keep := make([]string, 0, len(t.schema.Columns))
	for _, spec := range t.schema.Columns {
		if !drop[spec.Name] {
			keep = append(keep, spec.Name)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("cannot drop every column")
	}
	return t.SelectColumns(keep)
}

// WithColumn returns a new table extended by one column holding the same
// value in every row. Loaders use this to tag every row of a batch with its
// provenance. The column must not already exist.
func (t *Table) WithColumn(spec ColumnSpec, value any) (*Table, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("column name cannot be empty")
	}
	if _, _, exists := t.schema.Column(spec.Name); exists {
		return nil, fmt.Errorf("table already has a column %q", spec.Name)
	}
	v, err := normalizeValue(spec, value)
	if err != nil {
		return nil, err
	}
	out := &Table{
		schema: TableSchema{
			Version: t.schema.Version,
			Columns: append(append([]ColumnSpec{}, t.schema.Columns...), spec),
		},
		columns: make([][]any, len(t.columns)+1),
	}
	for i := range t.columns {
		out.columns[i] = append(out.columns[i], t.columns[i]...)
	}
	constant := make([]any, t.NumRows())
	for i := range constant {
		constant[i] = v
	}
	out.columns[len(t.columns)] = constant
	return out, nil
}

// FilterNull returns a new table with the rows whose named column is null
// removed.
func (t *Table) FilterNull(column string) (*Table, error) {
	_, idx, ok := t.schema.Column(column)
	if !ok {
		return nil, fmt.Errorf("table has no column %q", column)
	}
	out, _ := NewTable(t.schema)
	for row := 0; row < t.NumRows(); row++ {
		if t.columns[idx][row] == nil {
			continue
		}
		for i := range t.columns {
			out.columns[i] = append(out.columns[i], t.columns[i][row])
		}
	}
	return out, nil
}

// SortByColumn stably sorts the table rows in place by the named column.
func (t *Table) SortByColumn(column string, ascending bool) error {
	spec, idx, ok := t.schema.Column(column)
	if !ok {
		return fmt.Errorf("table has no column %q", column)
	}
	n := t.NumRows()
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		cmp := compareValues(spec.Kind, t.columns[idx][perm[a]], t.columns[idx][perm[b]])
		if ascending {
			return cmp < 0
		}
		return cmp > 0
	})
	for i := range t.columns {
		sorted := make([]any, n)
		for pos, src := range perm {
			sorted[pos] = t.columns[i][src]
		}
		t.columns[i] = sorted
	}
	return nil
}

// Copy returns a deep copy of the table.
func (t *Table) Copy() *Table {
	out := &Table{
		schema:  t.schema,
		columns: make([][]any, len(t.columns)),
	}
	for i := range t.columns {
		out.columns[i] = append(out.columns[i], t.columns[i]...)
	}
	return out
}

// Rows materializes the table as a slice of maps, one per row. Intended for
// serialization and tests rather than hot paths.
func (t *Table) Rows() []map[string]any {
	rows := make([]map[string]any, t.NumRows())
	for r := range rows {
		row := make(map[string]any, len(t.schema.Columns))
		for i, spec := range t.schema.Columns {
			row[spec.Name] = t.columns[i][r]
		}
		rows[r] = row
	}
	return rows
}

// ConcatTables returns a new table holding the rows of all inputs in order.
// All inputs must share a value-compatible schema; the first table's schema
// is used for the result.
func ConcatTables(tables []*Table) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("cannot concatenate zero tables")
	}
	first := tables[0]
	out := first.Copy()
	for i, t := range tables[1:] {
		if !first.schema.Equal(t.schema) {
			return nil, fmt.Errorf("table %d has incompatible schema", i+1)
		}
		for c := range out.columns {
			out.columns[c] = append(out.columns[c], t.columns[c]...)
		}
	}
	return out, nil
}

// TableMeta is a shared, lock-guarded handle to a table. Broadcast fan-out
// hands the same handle to every subscriber, so all access goes through the
// handle's read/write locking.
type TableMeta struct {
	mu    sync.RWMutex
	table *Table
}

// NewTableMeta wraps a table in a shared handle.
func NewTableMeta(t *Table) *TableMeta {
	return &TableMeta{table: t}
}

// NumRows returns the current row count under a read lock.
func (m *TableMeta) NumRows() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.table == nil {
		return 0
	}
	return m.table.NumRows()
}

// View runs fn with read access to the table. The table must not be modified
// or retained past the call.
func (m *TableMeta) View(fn func(*Table) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.table)
}

// Mutate runs fn with exclusive access to the table. If fn returns a non-nil
// table, it replaces the handle's table; returning nil keeps the current one
// (useful for in-place mutation).
func (m *TableMeta) Mutate(fn func(*Table) (*Table, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replacement, err := fn(m.table)
	if err != nil {
		return err
	}
	if replacement != nil {
		m.table = replacement
	}
	return nil
}

// CopyTable returns a deep copy of the current table under a read lock.
func (m *TableMeta) CopyTable() *Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.table == nil {
		return nil
	}
	return m.table.Copy()
}

// Replace swaps in a new table under the write lock.
func (m *TableMeta) Replace(t *Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = t
}
