package dialect

import (
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrUnknownDialect = errors.New("unknown sql dialect")

// Name identifies the SQL flavour a statement is rendered for
type Name string

const (
	SQLite   Name = "sqlite"
	Postgres Name = "postgres"
	MySQL    Name = "mysql"
)

// BindType returns the sqlx placeholder style used by the dialect
func (n Name) BindType() int {
	switch n {
	case Postgres:
		return sqlx.DOLLAR
	default:
		return sqlx.QUESTION
	}
}

// Rebind converts a query written with ? placeholders into the dialect placeholder style
func (n Name) Rebind(query string) string {
	return sqlx.Rebind(n.BindType(), query)
}

// DriverName is the database/sql driver registered for the dialect
func (n Name) DriverName() string {
	switch n {
	case SQLite:
		return "sqlite3"
	case Postgres:
		return "postgres"
	default:
		return "mysql"
	}
}

// TransactionalDDL reports whether schema changes participate in transactions.
// MySQL commits implicitly on every DDL statement.
func (n Name) TransactionalDDL() bool {
	return n != MySQL
}

// IsDeadlock reports whether the transaction lost a lock or serialization
// conflict and can be run again from the start
func (n Name) IsDeadlock(err error) bool {
	if err == nil {
		return false
	}

	switch n {
	case MySQL:
		var myErr *mysql.MySQLError
		// 1213 deadlock found, 1205 lock wait timeout
		return errors.As(err, &myErr) && (myErr.Number == 1213 || myErr.Number == 1205)
	case Postgres:
		var pqErr *pq.Error
		// 40P01 deadlock_detected, 40001 serialization_failure
		return errors.As(err, &pqErr) && (pqErr.Code == "40P01" || pqErr.Code == "40001")
	case SQLite:
		var se sqlite3.Error
		return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
	}

	return strings.Contains(strings.ToLower(err.Error()), "deadlock")
}

func (n Name) Valid() bool {
	return n == SQLite || n == Postgres || n == MySQL
}

// Parse maps a driver name or url scheme to a dialect
func Parse(s string) (Name, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3", "file":
		return SQLite, nil
	case "postgres", "postgresql", "pgx", "pq":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	default:
		return "", errors.Wrapf(ErrUnknownDialect, "[%s]", s)
	}
}
