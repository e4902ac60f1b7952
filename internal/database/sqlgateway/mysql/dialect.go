package mysql

import (
	"fmt"
	"time"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/migration"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

const DefaultCharset = "utf8mb4"

const (
	erTableExists      = 1050
	erDupFieldName     = 1060
	erDupKeyName       = 1061
	erDupEntry         = 1062
	erSpAlreadyExists  = 1304
	erTrgAlreadyExists = 1359
)

type Dialect struct {
	migrationsTable, appliedAtColumn, charset string
}

var _ database.Dialect = (*Dialect)(nil)

func NewDialect(migrationsTable, appliedAtColumn, charset string) *Dialect {
	if charset == "" {
		charset = DefaultCharset
	}

	return &Dialect{migrationsTable: migrationsTable, appliedAtColumn: appliedAtColumn, charset: charset}
}

func (d Dialect) Name() dialect.Name {
	return dialect.MySQL
}

func (d Dialect) InitQuery() string {
	const createSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255),
			%s TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=%s
	`

	return fmt.Sprintf(createSQL, d.migrationsTable, d.appliedAtColumn, d.charset)
}

func (d Dialect) InsertQuery(id, name string, appliedAt time.Time) (string, []interface{}, error) {
	const insertSQL = "INSERT INTO %s (`id`, `name`, `%s`) VALUES (?, ?, ?);"

	if id == "" {
		return "", nil, errors.Wrap(database.ErrMigrationIsMalformed, "id must be specified")
	}

	if appliedAt.IsZero() {
		return "", nil, errors.Wrap(database.ErrMigrationIsMalformed, "applied at must be specified")
	}

	return fmt.Sprintf(insertSQL, d.migrationsTable, d.appliedAtColumn), []interface{}{id, name, appliedAt.UTC()}, nil
}

func (d Dialect) IsAppliedQuery(id string) (string, []interface{}) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE `id` = ?;", d.migrationsTable), []interface{}{id}
}

func (d Dialect) ReadRecordsQuery(f database.ReadRecordsFilter) (string, error) {
	readSQL := fmt.Sprintf("SELECT `id`, `name`, `%s` FROM %s", d.appliedAtColumn, d.migrationsTable)

	if f.Sort == database.DESC {
		readSQL += fmt.Sprintf(" ORDER BY `%s` DESC, `id` DESC", d.appliedAtColumn)
	} else {
		readSQL += fmt.Sprintf(" ORDER BY `%s` ASC, `id` ASC", d.appliedAtColumn)
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
	return "SHOW TABLES;"
}

func (d Dialect) ExistsQuery(kind migration.Kind, target migration.Object) (string, []interface{}, error) {
	switch kind {
	case migration.CreateTableKind:
		q := "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
		return q, []interface{}{target.Name}, nil
	case migration.CreateIndexKind:
		q := "SELECT COUNT(*) FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?"
		return q, []interface{}{target.Table, target.Name}, nil
	case migration.CreateTriggerKind:
		q := "SELECT COUNT(*) FROM information_schema.triggers WHERE trigger_schema = DATABASE() AND trigger_name = ?"
		return q, []interface{}{target.Name}, nil
	case migration.CreateFunctionKind:
		q := "SELECT COUNT(*) FROM information_schema.routines WHERE routine_schema = DATABASE() AND routine_name = ?"
		return q, []interface{}{target.Name}, nil
	case migration.AlterTableKind:
		q := "SELECT COUNT(*) FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?"
		return q, []interface{}{target.Table, target.Name}, nil
	default:
		return "", nil, errors.Wrapf(migration.ErrUnsupportedGuard, "mysql cannot check %s [%s]", kind, target)
	}
}

func (d Dialect) IsAlreadyExists(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}

	switch myErr.Number {
	case erTableExists, erDupFieldName, erDupKeyName, erSpAlreadyExists, erTrgAlreadyExists:
		return true
	}

	return false
}

func (d Dialect) IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}

	return myErr.Number == erDupEntry
}
