package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	raw := &Table{
		Columns: []string{"L1 ", "Region", "Supplier Name"},
		Rows: [][]string{
			{" Chemicals", "Americas ", "ACME Corp."},
			{"chemicals", "", "Beta, Inc"},
			{"CHEMICALS", "NaN", "Gamma"},
		},
	}

	got := Normalize(raw, []string{"L1", "region", "not_there"})

	assert.Equal(t, []string{"l1", "region", "supplier_name"}, got.Columns)
	assert.Equal(t, [][]string{
		{"chemicals", "americas", "ACME Corp."},
		{"chemicals", "blank", "Beta, Inc"},
		{"chemicals", "blank", "Gamma"},
	}, got.Rows)
	assert.Equal(t, " Chemicals", raw.Rows[0][0], "input table is not modified")
}

func TestTable_ColumnIndex(t *testing.T) {
	table := &Table{Columns: []string{"a", "b"}}
	assert.Equal(t, 1, table.ColumnIndex("b"))
	assert.Equal(t, -1, table.ColumnIndex("c"))
	assert.True(t, table.HasColumn("a"))

	var empty *Table
	assert.Equal(t, 0, empty.Len())
}
