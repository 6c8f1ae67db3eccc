package tablestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"dimroute/internal/dbexec"
	"dimroute/internal/logging"
	"dimroute/internal/source"
	"dimroute/internal/sqlutil"
)

// TablePrefix starts every dataset table name.
const TablePrefix = "ds"

// LoadFunc supplies the normalized table and column roles for a lazy build.
type LoadFunc func(ctx context.Context) (*source.Table, Spec, error)

// Backend is a Store that can also build and query tables.
type Backend interface {
	Store
	Build(ctx context.Context, id, version string, t *source.Table, spec Spec) (*Handle, error)
	GetOrBuild(ctx context.Context, id, version string, load LoadFunc) (*Handle, error)
	Executor() dbexec.QueryExecutor
}

// DuckDBStore keeps dataset tables in one DuckDB database. Each publication gets its own
// table so a rebuild never touches the table readers are using.
type DuckDBStore struct {
	*Registry
	db     *sql.DB
	exec   *dbexec.StandardExecutor
	logger *logging.Logger
	group  singleflight.Group
}

// NewDuckDBStore creates a store over an open DuckDB handle.
func NewDuckDBStore(db *sql.DB, logger *logging.Logger) *DuckDBStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DuckDBStore{
		Registry: NewRegistry(),
		db:       db,
		exec:     dbexec.NewStandardExecutor(db),
		logger:   logger.WithFields(slog.String("component", "tablestore")),
	}
}

// Executor returns the executor queries run through.
func (s *DuckDBStore) Executor() dbexec.QueryExecutor {
	return s.exec
}

// Build loads t into a new table named after id and version. Metric columns are stored as
// DOUBLE (cells that do not parse become NULL); every other column is VARCHAR. The
// returned handle is not yet in the store.
func (s *DuckDBStore) Build(ctx context.Context, id, version string, t *source.Table, spec Spec) (*Handle, error) {
	table := sqlutil.TableName(TablePrefix, id, version)
	quotedTable := sqlutil.QuoteIdentifier(table)

	isMetric := make([]bool, len(t.Columns))
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		isMetric[i] = slices.Contains(spec.Metrics, c)
		typ := "VARCHAR"
		if isMetric[i] {
			typ = "DOUBLE"
		}
		defs[i] = sqlutil.QuoteIdentifier(c) + " " + typ
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")

	err := dbexec.WithTx(ctx, s.db, func(tx *dbexec.TxExecutor) error {
		create := fmt.Sprintf("CREATE TABLE %s (%s)", quotedTable, strings.Join(defs, ", "))
		if _, err := tx.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		stmt, err := tx.Prepare(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quotedTable, placeholders))
		if err != nil {
			return fmt.Errorf("prepare insert into %s: %w", table, err)
		}
		defer stmt.Close()

		args := make([]any, len(t.Columns))
		for _, row := range t.Rows {
			for i, cell := range row {
				args[i] = cellValue(cell, isMetric[i])
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("table built",
		slog.String("dataset_id", id),
		slog.String("table", table),
		slog.Int("rows", len(t.Rows)),
	)
	return NewHandle(id, version, table, t.Columns, spec, int64(len(t.Rows)), s.dropFunc(table)), nil
}

// GetOrBuild returns the handle of id at version, building and storing it when absent.
// Concurrent callers for the same id and version share one build. Callers must make sure
// version is still the one to publish, since the stored handle of id is replaced.
func (s *DuckDBStore) GetOrBuild(ctx context.Context, id, version string, load LoadFunc) (*Handle, error) {
	if h, ok := s.current(id, version); ok {
		return h, nil
	}
	v, err, _ := s.group.Do(id+"@"+version, func() (any, error) {
		if h, ok := s.current(id, version); ok {
			return h, nil
		}
		t, spec, err := load(ctx)
		if err != nil {
			return nil, err
		}
		h, err := s.Build(ctx, id, version, t, spec)
		if err != nil {
			return nil, err
		}
		s.Put(h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (s *DuckDBStore) current(id, version string) (*Handle, bool) {
	h, ok := s.Get(id)
	if !ok || h.Version != version || h.Dropped() {
		return nil, false
	}
	return h, true
}

// Shutdown retires every handle and closes the database.
func (s *DuckDBStore) Shutdown() error {
	s.CloseAll()
	return s.db.Close()
}

func (s *DuckDBStore) dropFunc(table string) func() {
	return func() {
		stmt := "DROP TABLE IF EXISTS " + sqlutil.QuoteIdentifier(table)
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			s.logger.Warn("failed to drop table", slog.String("table", table), slog.String("error", err.Error()))
			return
		}
		s.logger.Debug("table dropped", slog.String("table", table))
	}
}

func cellValue(cell string, metric bool) any {
	if !metric {
		return cell
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil {
		return nil
	}
	return f
}
