// Package planner converts canonical filters into parameterized SQL statements.
// Identifiers are quoted and every filter value is a bound parameter.
package planner

import (
	"errors"
	"fmt"

	"dimroute/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// ErrNoTable indicates a select spec without a table name.
var ErrNoTable = errors.New("planner: no table")

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// Filter restricts Column to one of Values.
type Filter struct {
	Column string
	Values []string
}

// SelectSpec describes a filtered scan of one table.
type SelectSpec struct {
	Table string
	// Columns is the projection in output order. Empty selects every column.
	Columns []string
	// Filters are combined with AND in the given order. Filters without values are
	// skipped.
	Filters []Filter
	// Limit caps the number of rows; zero or negative means no limit.
	Limit int
}

// PlanSelect builds SELECT <columns> FROM <table> WHERE <col> IN (?, ...) AND ... LIMIT n.
func PlanSelect(spec SelectSpec) (SQLQuery, error) {
	if spec.Table == "" {
		return SQLQuery{}, ErrNoTable
	}

	builder := sq.Select(columnList(spec.Columns)...).
		From(sqlutil.QuoteIdentifier(spec.Table))

	conditions := sq.And{}
	for _, f := range spec.Filters {
		if f.Column == "" {
			return SQLQuery{}, fmt.Errorf("planner: filter without column")
		}
		if len(f.Values) == 0 {
			continue
		}
		conditions = append(conditions, sq.Eq{sqlutil.QuoteIdentifier(f.Column): f.Values})
	}
	if len(conditions) > 0 {
		builder = builder.Where(conditions)
	}
	if spec.Limit > 0 {
		builder = builder.Limit(uint64(spec.Limit))
	}

	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func columnList(columns []string) []string {
	if len(columns) == 0 {
		return []string{"*"}
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = sqlutil.QuoteIdentifier(c)
	}
	return quoted
}
