package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/internal/logger"
	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
)

var ErrNoChangesRequired = errors.New("no changes to the database required")
var ErrMigrationIsMalformed = errors.New("migration is malformed")

const (
	DefaultMigrationsTable = "keel_migrations"
	DefaultAppliedAtColumn = "applied_at"

	ASC  = "ASC"
	DESC = "DESC"
)

type CommonOptions struct {
	MigrationsTable string
	AppliedAtColumn string
}

func (o *CommonOptions) Defaults() {
	if o.MigrationsTable == "" {
		o.MigrationsTable = DefaultMigrationsTable
	}

	if o.AppliedAtColumn == "" {
		o.AppliedAtColumn = DefaultAppliedAtColumn
	}
}

type Plan struct {
	Steps  int
	IDs    []string
	DryRun bool
}

type ReadRecordsFilter struct {
	Limit int
	Sort  string
}

type CtxExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type CtxQuerier interface {
	CtxExecutor
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Locker interface {
	Lock(ctx context.Context, q CtxQuerier) error
	Unlock(ctx context.Context, q CtxQuerier) error
}

// Dialect renders the state table queries, the catalog queries
// and classifies driver errors for one SQL flavour
type Dialect interface {
	Name() dialect.Name

	InitQuery() string
	InsertQuery(id, name string, appliedAt time.Time) (string, []interface{}, error)
	IsAppliedQuery(id string) (string, []interface{})
	ReadRecordsQuery(f ReadRecordsFilter) (string, error)
	DropQuery() string
	ShowTablesQuery() string

	// ExistsQuery returns a query yielding a single count of matching catalog objects
	ExistsQuery(kind migration.Kind, target migration.Object) (string, []interface{}, error)

	IsAlreadyExists(err error) bool
	IsUniqueViolation(err error) bool
}

// Gateway is the persistence side of the engine: state tracker, guard evaluator and applier
type Gateway interface {
	SetLogger(logger.Logger)
	Dialect() dialect.Name
	Init(ctx context.Context) error
	Records(ctx context.Context) ([]migration.Record, error)
	IsApplied(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, kind migration.Kind, target migration.Object) (bool, error)
	Apply(ctx context.Context, u *migration.Unit, dryRun bool) (migration.Result, error)
	Migrate(ctx context.Context, units migration.Units, p Plan) ([]migration.Result, error)
	ShowTables(ctx context.Context) ([]string, error)
	DropMigrationsTable(ctx context.Context) error
}

type ConnCloser func() error

// SchedulePending returns the units that have no application record, in order,
// restricted by the plan ids and limited by the plan steps
func SchedulePending(units migration.Units, records []migration.Record, p Plan) migration.Units {
	applied := make([]string, 0, len(records))
	for i := range records {
		applied = append(applied, records[i].ID)
	}

	var scheduled migration.Units

	for i := range units {
		if migration.InIDs(units[i].ID, applied) {
			continue
		}

		if len(p.IDs) > 0 && !migration.InIDs(units[i].ID, p.IDs) {
			continue
		}

		if p.Steps != 0 && len(scheduled) >= p.Steps {
			break
		}

		scheduled = append(scheduled, units[i])
	}

	return scheduled
}

// UnknownRecords returns the records whose id is not present in the registry
func UnknownRecords(units migration.Units, records []migration.Record) []migration.Record {
	var unknown []migration.Record
	for i := range records {
		if units.Find(records[i].ID) == nil {
			unknown = append(unknown, records[i])
		}
	}

	return unknown
}
