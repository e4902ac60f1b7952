package postgres

import (
	"fmt"
	"time"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/migration"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	duplicateTable    = "42P07"
	duplicateColumn   = "42701"
	duplicateObject   = "42710"
	duplicateFunction = "42723"
	uniqueViolation   = "23505"
)

const searchPath = "n.nspname = ANY (current_schemas(false))"

type Dialect struct {
	migrationsTable, appliedAtColumn string
}

var _ database.Dialect = (*Dialect)(nil)

func NewDialect(migrationsTable, appliedAtColumn string) *Dialect {
	return &Dialect{migrationsTable: migrationsTable, appliedAtColumn: appliedAtColumn}
}

func (d Dialect) Name() dialect.Name {
	return dialect.Postgres
}

func (d Dialect) InitQuery() string {
	const createSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255),
			%s TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`

	return fmt.Sprintf(createSQL, d.migrationsTable, d.appliedAtColumn)
}

func (d Dialect) InsertQuery(id, name string, appliedAt time.Time) (string, []interface{}, error) {
	const insertSQL = "INSERT INTO %s (id, name, %s) VALUES ($1, $2, $3);"

	if id == "" {
		return "", nil, errors.Wrap(database.ErrMigrationIsMalformed, "id must be specified")
	}

	if appliedAt.IsZero() {
		return "", nil, errors.Wrap(database.ErrMigrationIsMalformed, "applied at must be specified")
	}

	return fmt.Sprintf(insertSQL, d.migrationsTable, d.appliedAtColumn), []interface{}{id, name, appliedAt.UTC()}, nil
}

func (d Dialect) IsAppliedQuery(id string) (string, []interface{}) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = $1;", d.migrationsTable), []interface{}{id}
}

func (d Dialect) ReadRecordsQuery(f database.ReadRecordsFilter) (string, error) {
	readSQL := fmt.Sprintf("SELECT id, name, %s FROM %s", d.appliedAtColumn, d.migrationsTable)

	if f.Sort == database.DESC {
		readSQL += fmt.Sprintf(" ORDER BY %s DESC, id DESC", d.appliedAtColumn)
	} else {
		readSQL += fmt.Sprintf(" ORDER BY %s ASC, id ASC", d.appliedAtColumn)
	}

	if f.Limit < 0 {
		return "", errors.Errorf("invalid limit %d", f.Limit)
	}

	if f.Limit != 0 {
		readSQL += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	return readSQL + ";", nil
}

func (d Dialect) DropQuery() string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s;", d.migrationsTable)
}

func (d Dialect) ShowTablesQuery() string {
	return "SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = ANY (current_schemas(false)) ORDER BY tablename;"
}

// ExistsQuery matches both the given name and its folded lower case form
func (d Dialect) ExistsQuery(kind migration.Kind, target migration.Object) (string, []interface{}, error) {
	switch kind {
	case migration.CreateTableKind:
		q := `SELECT COUNT(*) FROM pg_catalog.pg_class c
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname IN ($1::text, lower($1::text)) AND c.relkind IN ('r', 'p', 'v', 'm', 'f') AND ` + searchPath
		return q, []interface{}{target.Name}, nil
	case migration.CreateIndexKind:
		q := `SELECT COUNT(*) FROM pg_catalog.pg_class c
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname IN ($1::text, lower($1::text)) AND c.relkind IN ('i', 'I') AND ` + searchPath
		return q, []interface{}{target.Name}, nil
	case migration.CreateTriggerKind:
		q := `SELECT COUNT(*) FROM pg_catalog.pg_trigger t
			JOIN pg_catalog.pg_class c ON c.oid = t.tgrelid
			JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
			WHERE t.tgname IN ($1::text, lower($1::text)) AND c.relname IN ($2::text, lower($2::text)) AND NOT t.tgisinternal AND ` + searchPath
		return q, []interface{}{target.Name, target.Table}, nil
	case migration.CreateFunctionKind:
		q := `SELECT COUNT(*) FROM pg_catalog.pg_proc p
			JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
			WHERE p.proname IN ($1::text, lower($1::text)) AND ` + searchPath
		return q, []interface{}{target.Name}, nil
	case migration.AlterTableKind:
		q := `SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = ANY (current_schemas(false))
			AND table_name IN ($1::text, lower($1::text)) AND column_name IN ($2::text, lower($2::text))`
		return q, []interface{}{target.Table, target.Name}, nil
	default:
		return "", nil, errors.Wrapf(migration.ErrUnsupportedGuard, "postgres cannot check %s [%s]", kind, target)
	}
}

func (d Dialect) IsAlreadyExists(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	switch pqErr.Code {
	case duplicateTable, duplicateColumn, duplicateObject, duplicateFunction:
		return true
	}

	return false
}

func (d Dialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	return pqErr.Code == uniqueViolation
}
