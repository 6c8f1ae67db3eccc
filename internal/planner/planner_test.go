package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSelect(t *testing.T) {
	tests := []struct {
		name     string
		spec     SelectSpec
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:     "unconditioned scan",
			spec:     SelectSpec{Table: "ds_spend_1"},
			wantSQL:  `SELECT * FROM "ds_spend_1"`,
			wantArgs: nil,
		},
		{
			name: "projection filters and limit",
			spec: SelectSpec{
				Table:   "ds_spend_1",
				Columns: []string{"l1", "supplier"},
				Filters: []Filter{
					{Column: "l1", Values: []string{"chemicals"}},
					{Column: "region", Values: []string{"americas", "europe"}},
				},
				Limit: 1,
			},
			wantSQL:  `SELECT "l1", "supplier" FROM "ds_spend_1" WHERE ("l1" IN (?) AND "region" IN (?,?)) LIMIT 1`,
			wantArgs: []interface{}{"chemicals", "americas", "europe"},
		},
		{
			name: "filters keep the given order",
			spec: SelectSpec{
				Table: "t",
				Filters: []Filter{
					{Column: "z", Values: []string{"1"}},
					{Column: "a", Values: []string{"2"}},
				},
			},
			wantSQL:  `SELECT * FROM "t" WHERE ("z" IN (?) AND "a" IN (?))`,
			wantArgs: []interface{}{"1", "2"},
		},
		{
			name: "empty filters are skipped",
			spec: SelectSpec{
				Table:   "t",
				Filters: []Filter{{Column: "a"}},
				Limit:   -5,
			},
			wantSQL:  `SELECT * FROM "t"`,
			wantArgs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := PlanSelect(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, q.SQL)
			if tt.wantArgs == nil {
				assert.Empty(t, q.Args)
			} else {
				assert.Equal(t, tt.wantArgs, q.Args)
			}
		})
	}
}

func TestPlanSelect_ValuesNeverReachSQL(t *testing.T) {
	hostile := []string{
		`x'); DROP TABLE ds_spend_1; --`,
		`" OR 1=1 --`,
		`chemicals' OR '1'='1`,
		`SELECT`,
	}
	base, err := PlanSelect(SelectSpec{Table: "t", Filters: []Filter{{Column: "l1", Values: []string{"v"}}}})
	require.NoError(t, err)

	for _, v := range hostile {
		q, err := PlanSelect(SelectSpec{Table: "t", Filters: []Filter{{Column: "l1", Values: []string{v}}}})
		require.NoError(t, err)
		assert.Equal(t, base.SQL, q.SQL, "value %q changed the statement", v)
		assert.Equal(t, []interface{}{v}, q.Args)
	}
}

func TestPlanSelect_QuotesIdentifiers(t *testing.T) {
	q, err := PlanSelect(SelectSpec{
		Table:   `t"x`,
		Columns: []string{`a" FROM secrets --`},
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "a"" FROM secrets --" FROM "t""x"`, q.SQL)
}

func TestPlanSelect_Errors(t *testing.T) {
	_, err := PlanSelect(SelectSpec{})
	assert.ErrorIs(t, err, ErrNoTable)

	_, err = PlanSelect(SelectSpec{Table: "t", Filters: []Filter{{Values: []string{"x"}}}})
	assert.Error(t, err)
}

func TestLimits_Effective(t *testing.T) {
	tests := []struct {
		name      string
		limits    Limits
		requested int
		want      int
	}{
		{name: "unbounded", limits: Limits{}, requested: 0, want: 0},
		{name: "requested", limits: Limits{}, requested: 5, want: 5},
		{name: "default", limits: Limits{Default: 100}, requested: 0, want: 100},
		{name: "negative uses default", limits: Limits{Default: 100}, requested: -1, want: 100},
		{name: "capped", limits: Limits{Default: 100, Max: 50}, requested: 500, want: 50},
		{name: "cap applies to unlimited", limits: Limits{Max: 50}, requested: 0, want: 50},
		{name: "below cap", limits: Limits{Max: 50}, requested: 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.limits.Effective(tt.requested))
		})
	}
}
