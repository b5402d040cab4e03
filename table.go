package tracklab

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row caps. MaxTableRows applies to display tables, MaxArtifactTableRows to
// tables persisted as artifacts.
const (
	MaxTableRows         = 10_000
	MaxArtifactTableRows = 200_000
)

// LogMode controls what happens to a Table after it has been logged once.
type LogMode string

const (
	// LogModeImmutable freezes the table after the first log.
	LogModeImmutable LogMode = "IMMUTABLE"
	// LogModeMutable allows further mutation; each log rewrites the table.
	LogModeMutable LogMode = "MUTABLE"
	// LogModeIncremental serializes only rows appended since the previous
	// log, as an append-only delta stream.
	LogModeIncremental LogMode = "INCREMENTAL"
)

// TableKey is a primary/foreign key cell value: a string with a structural
// back-reference to the table and column that own it.
type TableKey struct {
	Value  string
	table  *Table
	column string
}

// Table returns the owning table. The reference is structural, not an
// ownership edge.
func (k TableKey) Table() *Table { return k.table }

// Column returns the owning column name.
func (k TableKey) Column() string { return k.column }

// TableIndex is a row-index cell value with a back-reference to the table
// it indexes into.
type TableIndex struct {
	Value int
	table *Table
}

// Table returns the referenced table.
func (i TableIndex) Table() *Table { return i.table }

// Table is a 2D row-major grid with named, type-consistent columns. Column
// types are accumulated through the lattice join as rows arrive; a row whose
// cells cannot join the accumulated types is rejected whole.
type Table struct {
	columns  []string
	data     [][]any
	colTypes map[string]ColumnType

	pkColumn   string
	logMode    LogMode
	allowMixed bool
	maxRows    int
	strictCaps bool

	logged        bool
	lastLoggedIdx int
	incrementNum  int

	logger *slog.Logger
}

// TableOption configures NewTable.
type TableOption func(*Table)

// WithColumns sets the column names.
func WithColumns(cols ...string) TableOption {
	return func(t *Table) { t.columns = append([]string(nil), cols...) }
}

// WithData seeds initial rows. Applied after WithColumns.
func WithData(rows [][]any) TableOption {
	return func(t *Table) { t.data = rows }
}

// WithLogMode selects the post-log mutability policy.
func WithLogMode(mode LogMode) TableOption {
	return func(t *Table) { t.logMode = mode }
}

// WithAllowMixedTypes disables column type checking; every column accepts
// any cell value.
func WithAllowMixedTypes() TableOption {
	return func(t *Table) { t.allowMixed = true }
}

// WithMaxRows overrides the default row cap.
func WithMaxRows(n int) TableOption {
	return func(t *Table) { t.maxRows = n }
}

// WithStrictRowCap makes exceeding the row cap a hard error instead of
// warn-and-truncate.
func WithStrictRowCap() TableOption {
	return func(t *Table) { t.strictCaps = true }
}

// NewTable constructs a table. Seed rows are validated through the same
// type-join path as AddData; an incompatible seed row is an error.
func NewTable(opts ...TableOption) (*Table, error) {
	t := &Table{
		logMode:  LogModeImmutable,
		maxRows:  MaxTableRows,
		colTypes: map[string]ColumnType{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	seed := t.data
	t.data = nil
	for _, c := range t.columns {
		t.colTypes[c] = t.freshColumnType()
	}
	for i, row := range seed {
		if err := t.AddData(row...); err != nil {
			return nil, fmt.Errorf("table: seed row %d: %w", i, err)
		}
	}
	return t, nil
}

func (t *Table) freshColumnType() ColumnType {
	if t.allowMixed {
		return AnyType()
	}
	return UnknownType()
}

// Columns returns the column names.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// Len returns the row count.
func (t *Table) Len() int { return len(t.data) }

// ColumnType returns the accumulated type for a column.
func (t *Table) ColumnType(name string) (ColumnType, bool) {
	ct, ok := t.colTypes[name]
	return ct, ok
}

// Mode returns the table's log mode.
func (t *Table) Mode() LogMode { return t.logMode }

// PrimaryKeyColumn returns the primary key column name, if one is set.
func (t *Table) PrimaryKeyColumn() string { return t.pkColumn }

func (t *Table) columnIndex(name string) int {
	for i, c := range t.columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *Table) checkMutable(op string) error {
	if t.logged && t.logMode == LogModeImmutable {
		return usageErrorf(op, "table was already logged; construct it with log mode MUTABLE or INCREMENTAL to keep mutating")
	}
	return nil
}

// AddData appends one row. The row is joined against the whole column-type
// map in one shot: if any cell is incompatible with its column's accumulated
// type the entire row is rejected and the table is unchanged.
func (t *Table) AddData(cells ...any) error {
	if err := t.checkMutable("Table.AddData"); err != nil {
		return err
	}
	if len(cells) != len(t.columns) {
		return usageErrorf("Table.AddData", "row has %d cells, table has %d columns", len(cells), len(t.columns))
	}

	// Phase 1: compute the joined type map without touching table state.
	joined := make(map[string]ColumnType, len(t.columns))
	var conflicts []string
	for i, col := range t.columns {
		cellType := typeOfCell(cells[i])
		result := joinTypes(t.colTypes[col], cellType)
		if result.Kind == TypeInvalid {
			conflicts = append(conflicts, fmt.Sprintf(
				"column %q accepts %s but cell %d is %s (%v)",
				col, t.colTypes[col], i, cellType, cells[i]))
			continue
		}
		joined[col] = result
	}
	if len(conflicts) > 0 {
		return usageErrorf("Table.AddData", "incompatible row:\n  %s", strings.Join(conflicts, "\n  "))
	}

	if len(t.data) >= t.maxRows {
		if t.strictCaps {
			return usageErrorf("Table.AddData", "table exceeds the %d row cap", t.maxRows)
		}
		t.logger.Warn("table: row cap reached, dropping row", "max_rows", t.maxRows)
		return nil
	}

	// Phase 2: all cells joined cleanly; commit row and types together.
	for col, ct := range joined {
		t.colTypes[col] = ct
	}
	t.data = append(t.data, append([]any(nil), cells...))
	return nil
}

// AddColumn appends a whole column. The value count must match the current
// row count; values are joined into a fresh column type.
func (t *Table) AddColumn(name string, values []any) error {
	if err := t.checkMutable("Table.AddColumn"); err != nil {
		return err
	}
	if t.columnIndex(name) >= 0 {
		return usageErrorf("Table.AddColumn", "column %q already exists", name)
	}
	if len(values) != len(t.data) {
		return usageErrorf("Table.AddColumn", "column has %d values, table has %d rows", len(values), len(t.data))
	}
	ct := t.freshColumnType()
	for i, v := range values {
		ct = joinTypes(ct, typeOfCell(v))
		if ct.Kind == TypeInvalid {
			return usageErrorf("Table.AddColumn", "value %d (%v) is incompatible with the column's accumulated type", i, v)
		}
	}
	t.columns = append(t.columns, name)
	t.colTypes[name] = ct
	for i := range t.data {
		t.data[i] = append(t.data[i], values[i])
	}
	return nil
}

// Cast re-types an existing column. Every current cell must join the new
// type. A table has exactly one primary key column; casting to a foreign
// key enforces that the reference targets a different table and a real
// column on it.
func (t *Table) Cast(col string, typ ColumnType) error {
	if err := t.checkMutable("Table.Cast"); err != nil {
		return err
	}
	idx := t.columnIndex(col)
	if idx < 0 {
		return usageErrorf("Table.Cast", "no column %q", col)
	}

	switch typ.Kind {
	case TypePrimaryKey:
		if t.pkColumn != "" && t.pkColumn != col {
			return usageErrorf("Table.Cast", "column %q is already the primary key; a table has exactly one", t.pkColumn)
		}
	case TypeForeignKey:
		if typ.Table == nil {
			return usageErrorf("Table.Cast", "foreign key requires a target table")
		}
		if typ.Table == t {
			return usageErrorf("Table.Cast", "foreign key cannot reference its own table")
		}
		if typ.Table.columnIndex(typ.Column) < 0 {
			return usageErrorf("Table.Cast", "foreign key target table has no column %q", typ.Column)
		}
	case TypeForeignIndex:
		if typ.Table == nil {
			return usageErrorf("Table.Cast", "foreign index requires a target table")
		}
		if typ.Table == t {
			return usageErrorf("Table.Cast", "foreign index cannot reference its own table")
		}
	}

	ct := typ
	for i, row := range t.data {
		joined := joinTypes(ct, typeOfCell(row[idx]))
		if joined.Kind == TypeInvalid {
			return usageErrorf("Table.Cast", "row %d cell (%v) does not fit type %s", i, row[idx], typ)
		}
		ct = joined
	}
	t.colTypes[col] = ct
	if typ.Kind == TypePrimaryKey {
		t.pkColumn = col
	}
	return nil
}

// SetPrimaryKey casts col to the primary key type.
func (t *Table) SetPrimaryKey(col string) error {
	return t.Cast(col, PrimaryKeyType())
}

// SetForeignKey casts col to a foreign key referencing otherCol on other.
func (t *Table) SetForeignKey(col string, other *Table, otherCol string) error {
	return t.Cast(col, ForeignKeyType(other, otherCol))
}

// GetColumn returns the column's values. Primary key cells are returned as
// TableKey wrappers whose Table() is exactly this table; foreign key cells
// wrap their target table.
func (t *Table) GetColumn(name string) ([]any, error) {
	idx := t.columnIndex(name)
	if idx < 0 {
		return nil, usageErrorf("Table.GetColumn", "no column %q", name)
	}
	ct := t.colTypes[name]
	out := make([]any, len(t.data))
	for i, row := range t.data {
		switch ct.Kind {
		case TypePrimaryKey:
			out[i] = TableKey{Value: fmt.Sprint(row[idx]), table: t, column: name}
		case TypeForeignKey:
			out[i] = TableKey{Value: fmt.Sprint(row[idx]), table: ct.Table, column: ct.Column}
		case TypeForeignIndex:
			n, _ := row[idx].(int)
			out[i] = TableIndex{Value: n, table: ct.Table}
		default:
			out[i] = row[idx]
		}
	}
	return out, nil
}

// Row returns a copy of row i.
func (t *Table) Row(i int) ([]any, error) {
	if i < 0 || i >= len(t.data) {
		return nil, usageErrorf("Table.Row", "row %d out of range (%d rows)", i, len(t.data))
	}
	return append([]any(nil), t.data[i]...), nil
}

// TypeName implements Value.
func (t *Table) TypeName() string { return "table-file" }

// markLogged records that the table has been serialized once, freezing it
// under LogModeImmutable.
func (t *Table) markLogged() { t.logged = true }

// tablePayload is the serialized table document.
type tablePayload struct {
	Type      string           `json:"_type"`
	Columns   []string         `json:"columns"`
	Data      [][]any          `json:"data"`
	LogMode   LogMode          `json:"log_mode,omitempty"`
	Increment *int             `json:"increment,omitempty"`
	ColTypes  map[string]string `json:"column_types,omitempty"`
}

func (t *Table) serializeCells(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		sr := make([]any, len(row))
		for j, cell := range row {
			switch c := cell.(type) {
			case TableKey:
				sr[j] = c.Value
			case TableIndex:
				sr[j] = c.Value
			case *NDArray:
				sr[j] = c.Data
			default:
				sr[j] = toSerializable(cell)
			}
		}
		out[i] = sr
	}
	return out
}

func (t *Table) columnTypeNames() map[string]string {
	out := make(map[string]string, len(t.colTypes))
	for c, ct := range t.colTypes {
		out[c] = ct.String()
	}
	return out
}

// toFullJSON serializes the entire table.
func (t *Table) toFullJSON() ([]byte, error) {
	doc := tablePayload{
		Type:     "table",
		Columns:  t.columns,
		Data:     t.serializeCells(t.data),
		LogMode:  t.logMode,
		ColTypes: t.columnTypeNames(),
	}
	return json.Marshal(doc)
}

// nextIncrement serializes rows appended since the previous log and advances
// the watermark. The returned filename encodes the increment ordinal and a
// millisecond timestamp so shards reassemble in append order.
func (t *Table) nextIncrement(key string, now time.Time) (filename string, payload []byte, err error) {
	if t.logMode != LogModeIncremental {
		return "", nil, usageErrorf("Table.nextIncrement", "table log mode is %s, not INCREMENTAL", t.logMode)
	}
	rows := t.data[t.lastLoggedIdx:]
	inc := t.incrementNum
	doc := tablePayload{
		Type:      "incremental-table-file",
		Columns:   t.columns,
		Data:      t.serializeCells(rows),
		LogMode:   t.logMode,
		Increment: &inc,
		ColTypes:  t.columnTypeNames(),
	}
	payload, err = json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("table: marshal increment: %w", err)
	}
	filename = fmt.Sprintf("%d-%d.%s.table.json", t.incrementNum, now.UnixMilli(), key)
	t.lastLoggedIdx = len(t.data)
	t.incrementNum++
	return filename, payload, nil
}

// LastLoggedIndex returns the incremental-log watermark.
func (t *Table) LastLoggedIndex() int { return t.lastLoggedIdx }

var incrementShardRe = regexp.MustCompile(`^(\d+)-(\d+)\.(.+)\.table\.json$`)

type tableShard struct {
	increment int64
	timestamp int64
	name      string
	doc       tablePayload
}

// ReadTableIncrements reassembles an incremental table from the shard files
// logged under dir for the given key. Shards are ordered by
// (increment, timestamp) parsed from their filenames. A malformed filename
// sorts as (0,0), before everything else, which can misorder data; it is
// kept but reported as a warning so the corruption is visible.
func ReadTableIncrements(dir, key string, logger *slog.Logger) ([][]any, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("table: read increments dir: %w", err)
	}
	suffix := "." + key + ".table.json"
	var shards []tableShard
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		shard := tableShard{name: name}
		if m := incrementShardRe.FindStringSubmatch(name); m != nil && m[3] == key {
			shard.increment, _ = strconv.ParseInt(m[1], 10, 64)
			shard.timestamp, _ = strconv.ParseInt(m[2], 10, 64)
		} else {
			logger.Warn("table: malformed increment shard name, ordering it first; reassembled data may be misordered",
				"file", name, "key", key)
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("table: read shard %s: %w", name, err)
		}
		if err := json.Unmarshal(raw, &shard.doc); err != nil {
			return nil, nil, fmt.Errorf("table: parse shard %s: %w", name, err)
		}
		shards = append(shards, shard)
	}
	sort.SliceStable(shards, func(i, j int) bool {
		if shards[i].increment != shards[j].increment {
			return shards[i].increment < shards[j].increment
		}
		return shards[i].timestamp < shards[j].timestamp
	})
	var rows [][]any
	var columns []string
	for _, s := range shards {
		if columns == nil {
			columns = s.doc.Columns
		}
		rows = append(rows, s.doc.Data...)
	}
	return rows, columns, nil
}
