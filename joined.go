package tracklab

// JoinedTable is a view joining two tables on a shared key column pair.
// The join is declarative; resolution happens in the dashboard. Structural
// constraints are still checked at construction: both sides must carry the
// join column(s) and must be distinct table instances.
type JoinedTable struct {
	left, right *Table
	// joinKeys is one column name used on both sides, or a [left, right] pair.
	joinKeys []string
}

// NewJoinedTable joins left and right on joinKey (one shared column name)
// or on a pair of names, one per side.
func NewJoinedTable(left, right *Table, joinKeys ...string) (*JoinedTable, error) {
	if left == nil || right == nil {
		return nil, usageErrorf("NewJoinedTable", "both tables are required")
	}
	if left == right {
		return nil, usageErrorf("NewJoinedTable", "cannot join a table with itself")
	}
	if len(joinKeys) != 1 && len(joinKeys) != 2 {
		return nil, usageErrorf("NewJoinedTable", "want one shared join key or a [left, right] pair, got %d", len(joinKeys))
	}
	leftKey, rightKey := joinKeys[0], joinKeys[0]
	if len(joinKeys) == 2 {
		rightKey = joinKeys[1]
	}
	if left.columnIndex(leftKey) < 0 {
		return nil, usageErrorf("NewJoinedTable", "left table has no column %q", leftKey)
	}
	if right.columnIndex(rightKey) < 0 {
		return nil, usageErrorf("NewJoinedTable", "right table has no column %q", rightKey)
	}
	return &JoinedTable{left: left, right: right, joinKeys: joinKeys}, nil
}

// Left returns the left side of the join.
func (j *JoinedTable) Left() *Table { return j.left }

// Right returns the right side of the join.
func (j *JoinedTable) Right() *Table { return j.right }

// TypeName implements Value.
func (j *JoinedTable) TypeName() string { return "joined-table" }

// ToJSON implements Value.
func (j *JoinedTable) ToJSON(_ *Run) (map[string]any, error) {
	return map[string]any{
		"_type":    "joined-table",
		"join_key": j.joinKeys,
	}, nil
}
