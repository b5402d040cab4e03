package tracklab

import "fmt"

// PartitionedTable presents a directory of table parts as one logical table.
// Parts must share a column set; rows are concatenated in the order parts
// were added.
type PartitionedTable struct {
	partsPath string
	parts     []*Table
	columns   []string
}

// NewPartitionedTable creates an empty partitioned table rooted at partsPath
// (the run-relative directory the parts are logged under).
func NewPartitionedTable(partsPath string) *PartitionedTable {
	return &PartitionedTable{partsPath: partsPath}
}

// PartsPath returns the run-relative directory holding the parts.
func (p *PartitionedTable) PartsPath() string { return p.partsPath }

// AddPart appends a table part. The first part fixes the column set; later
// parts must match it exactly.
func (p *PartitionedTable) AddPart(t *Table) error {
	if len(p.parts) == 0 {
		p.columns = t.Columns()
	} else {
		cols := t.Columns()
		if len(cols) != len(p.columns) {
			return usageErrorf("PartitionedTable.AddPart", "part has %d columns, expected %d", len(cols), len(p.columns))
		}
		for i := range cols {
			if cols[i] != p.columns[i] {
				return usageErrorf("PartitionedTable.AddPart", "part column %d is %q, expected %q", i, cols[i], p.columns[i])
			}
		}
	}
	p.parts = append(p.parts, t)
	return nil
}

// Len returns the total row count across parts.
func (p *PartitionedTable) Len() int {
	n := 0
	for _, t := range p.parts {
		n += t.Len()
	}
	return n
}

// Row returns row i of the concatenated view.
func (p *PartitionedTable) Row(i int) ([]any, error) {
	for _, t := range p.parts {
		if i < t.Len() {
			return t.Row(i)
		}
		i -= t.Len()
	}
	return nil, usageErrorf("PartitionedTable.Row", "row %d out of range", i)
}

// TypeName implements Value.
func (p *PartitionedTable) TypeName() string { return "partitioned-table" }

// ToJSON implements Value; the descriptor references the parts directory.
func (p *PartitionedTable) ToJSON(_ *Run) (map[string]any, error) {
	return map[string]any{
		"_type":      "partitioned-table",
		"parts_path": p.partsPath,
		"columns":    p.columns,
	}, nil
}

var _ fmt.Stringer = (*PartitionedTable)(nil)

func (p *PartitionedTable) String() string {
	return fmt.Sprintf("PartitionedTable(%s, %d parts)", p.partsPath, len(p.parts))
}
