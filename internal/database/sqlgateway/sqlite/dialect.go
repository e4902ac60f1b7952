package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/migration"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type Dialect struct {
	migrationsTable, appliedAtColumn string
}

type Options struct {
	database.CommonOptions
}

var _ database.Dialect = (*Dialect)(nil)

func NewDialect(migrationsTable, appliedAtColumn string) *Dialect {
	return &Dialect{migrationsTable: migrationsTable, appliedAtColumn: appliedAtColumn}
}

func (d Dialect) Name() dialect.Name {
	return dialect.SQLite
}

func (d Dialect) InitQuery() string {
	const createSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255),
			%s TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	return fmt.Sprintf(createSQL, d.migrationsTable, d.appliedAtColumn)
}

func (d Dialect) InsertQuery(id, name string, appliedAt time.Time) (string, []interface{}, error) {
	const insertSQL = "INSERT INTO %s (id, name, %s) VALUES (?, ?, ?);"

	if id == "" {
		return "", nil, errors.Wrap(database.ErrMigrationIsMalformed, "id must be specified")
	}

	if appliedAt.IsZero() {
		return "", nil, errors.Wrap(database.ErrMigrationIsMalformed, "applied at must be specified")
	}

	q := fmt.Sprintf(insertSQL, d.migrationsTable, d.appliedAtColumn)
	return q, []interface{}{id, name, appliedAt.UTC()}, nil
}

func (d Dialect) IsAppliedQuery(id string) (string, []interface{}) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?;", d.migrationsTable), []interface{}{id}
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
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name;"
}

func (d Dialect) ExistsQuery(kind migration.Kind, target migration.Object) (string, []interface{}, error) {
	switch kind {
	case migration.CreateTableKind:
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?;", []interface{}{target.Name}, nil
	case migration.CreateIndexKind:
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?;", []interface{}{target.Name}, nil
	case migration.CreateTriggerKind:
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name = ?;", []interface{}{target.Name}, nil
	case migration.AlterTableKind:
		return "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?;", []interface{}{target.Table, target.Name}, nil
	default:
		return "", nil, errors.Wrapf(migration.ErrUnsupportedGuard, "sqlite cannot check %s [%s]", kind, target)
	}
}

func (d Dialect) IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}

	var se sqlite3.Error
	if errors.As(err, &se) && se.Code != sqlite3.ErrError {
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}

func (d Dialect) IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}

	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
