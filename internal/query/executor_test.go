package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimroute/internal/dbexec"
	"dimroute/internal/planner"
)

func newMock(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewExecutor(dbexec.NewStandardExecutor(db), planner.Limits{Max: 1000}), mock
}

var spendTarget = Target{
	Table:       "ds_spend_1",
	Dims:        []string{"l1", "region"},
	Retrievable: []string{"supplier", "l1"},
	Metrics:     []string{"spend"},
}

func TestExecute_LimitOne(t *testing.T) {
	exec, mock := newMock(t)

	mock.ExpectQuery(`SELECT "supplier", "l1" FROM "ds_spend_1" WHERE ("l1" IN (?)) LIMIT 1`).
		WithArgs("chemicals").
		WillReturnRows(sqlmock.NewRows([]string{"supplier", "l1"}).AddRow([]byte("acme"), "chemicals"))

	res, err := exec.Execute(context.Background(), spendTarget, map[string][]string{"l1": {"chemicals"}}, 1)
	require.NoError(t, err)

	require.Equal(t, 1, res.Count())
	v, ok := res.Rows[0].Get("l1")
	require.True(t, ok)
	assert.Equal(t, "chemicals", v)
	supplier, _ := res.Rows[0].Get("supplier")
	assert.Equal(t, "acme", supplier, "[]byte values are returned as strings")
	assert.Equal(t, []string{"supplier", "l1"}, res.Columns)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_IgnoresUndeclaredColumns(t *testing.T) {
	exec, mock := newMock(t)

	mock.ExpectQuery(`SELECT "supplier", "l1" FROM "ds_spend_1" WHERE ("l1" IN (?) AND "region" IN (?,?)) LIMIT 1000`).
		WithArgs("chemicals", "americas", "europe").
		WillReturnRows(sqlmock.NewRows([]string{"supplier", "l1"}))

	res, err := exec.Execute(context.Background(), spendTarget, map[string][]string{
		"region":        {"americas", "", "europe"},
		"l1":            {"chemicals"},
		"spend":         {"1"},
		"1=1; DROP x --": {"y"},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Count())
	assert.NotNil(t, res.Rows)
	assert.Equal(t, []string{"1=1; DROP x --", "spend"}, res.Ignored)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_UnconditionedScan(t *testing.T) {
	exec, mock := newMock(t)
	target := Target{Table: "ds_t_1", Dims: []string{"l1"}, Metrics: []string{"spend"}}

	mock.ExpectQuery(`SELECT "l1", "spend" FROM "ds_t_1" LIMIT 2`).
		WillReturnRows(sqlmock.NewRows([]string{"l1", "spend"}).
			AddRow("a", 1.5).
			AddRow("b", nil))

	res, err := exec.Execute(context.Background(), target, nil, 2)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count())

	data, err := json.Marshal(res.Rows)
	require.NoError(t, err)
	assert.Equal(t, `[{"l1":"a","spend":1.5},{"l1":"b","spend":null}]`, string(data))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_HostileValuesAreBound(t *testing.T) {
	exec, mock := newMock(t)
	hostile := `chemicals') OR 1=1; --`

	mock.ExpectQuery(`SELECT "supplier", "l1" FROM "ds_spend_1" WHERE ("l1" IN (?)) LIMIT 1000`).
		WithArgs(hostile).
		WillReturnRows(sqlmock.NewRows([]string{"supplier", "l1"}))

	_, err := exec.Execute(context.Background(), spendTarget, map[string][]string{"l1": {hostile}}, 0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_QueryError(t *testing.T) {
	exec, mock := newMock(t)
	mock.ExpectQuery(`SELECT "supplier", "l1" FROM "ds_spend_1" LIMIT 1000`).
		WillReturnError(errors.New("table missing"))

	_, err := exec.Execute(context.Background(), spendTarget, nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table missing")
}

func TestTarget(t *testing.T) {
	assert.Equal(t, []string{"l1", "region", "supplier"}, spendTarget.Filterable())
	assert.Equal(t, []string{"supplier", "l1"}, spendTarget.Projection())

	bare := Target{Table: "t"}
	assert.Empty(t, bare.Projection())
}

func TestRowMarshalJSON_KeepsColumnOrder(t *testing.T) {
	row := Row{{Column: "z", Value: "1"}, {Column: "a", Value: 2}}
	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Equal(t, `{"z":"1","a":2}`, string(data))
}
