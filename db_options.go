package keel

import (
	"database/sql"
	"time"

	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/internal/database/sqlgateway"
	"github.com/denismitr/keel/internal/database/sqlgateway/mysql"
	"github.com/denismitr/keel/internal/database/sqlgateway/postgres"
	"github.com/denismitr/keel/internal/database/sqlgateway/sqlite"
)

type (
	MySQLOptionFunc    func(*mysql.Options, *sqlgateway.ConnectOptions)
	PostgresOptionFunc func(*postgres.Options, *sqlgateway.ConnectOptions)
	SqliteOptionFunc   func(*sqlite.Options, *sqlgateway.ConnectOptions)
)

func UseMySQL(db *sql.DB, options ...MySQLOptionFunc) OptionFunc {
	return func(m *Migrator) error {
		mysqlOpts := &mysql.Options{
			LockFor: mysql.DefaultLockSeconds,
			LockKey: mysql.DefaultLockKey,
			CommonOptions: database.CommonOptions{
				MigrationsTable: database.DefaultMigrationsTable,
			},
		}

		connectOpts := sqlgateway.NewDefaultConnectOptions()

		for _, oFunc := range options {
			oFunc(mysqlOpts, connectOpts)
		}

		connector := sqlgateway.MakeRetryingConnector(db, connectOpts)
		gateway, closer := sqlgateway.NewMySQLGateway(connector, mysqlOpts)

		m.closerFns = append(m.closerFns, CloserFunc(closer))
		m.gateway = gateway

		return nil
	}
}

func UsePostgres(db *sql.DB, options ...PostgresOptionFunc) OptionFunc {
	return func(m *Migrator) error {
		pgOpts := &postgres.Options{
			LockKey: postgres.DefaultLockKey,
			CommonOptions: database.CommonOptions{
				MigrationsTable: database.DefaultMigrationsTable,
			},
		}

		connectOpts := sqlgateway.NewDefaultConnectOptions()

		for _, oFunc := range options {
			oFunc(pgOpts, connectOpts)
		}

		connector := sqlgateway.MakeRetryingConnector(db, connectOpts)
		gateway, closer := sqlgateway.NewPostgresGateway(connector, pgOpts)

		m.closerFns = append(m.closerFns, CloserFunc(closer))
		m.gateway = gateway

		return nil
	}
}

func UseSqlite(db *sql.DB, options ...SqliteOptionFunc) OptionFunc {
	return func(m *Migrator) error {
		sqliteOpts := &sqlite.Options{
			CommonOptions: database.CommonOptions{
				MigrationsTable: database.DefaultMigrationsTable,
			},
		}

		connectOpts := sqlgateway.NewDefaultConnectOptions()

		for _, oFunc := range options {
			oFunc(sqliteOpts, connectOpts)
		}

		connector := sqlgateway.MakeRetryingConnector(db, connectOpts)
		gateway, closer := sqlgateway.NewSqliteGateway(connector, sqliteOpts)

		m.gateway = gateway
		m.closerFns = append(m.closerFns, CloserFunc(closer))

		return nil
	}
}

func WithSqliteMigrationTable(migrationTable string) SqliteOptionFunc {
	return func(sqliteOpts *sqlite.Options, connectOpts *sqlgateway.ConnectOptions) {
		sqliteOpts.MigrationsTable = migrationTable
	}
}

func WithSqliteAppliedAtColumn(column string) SqliteOptionFunc {
	return func(sqliteOpts *sqlite.Options, connectOpts *sqlgateway.ConnectOptions) {
		sqliteOpts.AppliedAtColumn = column
	}
}

func WithSqliteMaxConnectionAttempts(attempts int) SqliteOptionFunc {
	return func(sqliteOpts *sqlite.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxAttempts = attempts
	}
}

func WithSqliteConnectionTimeout(timeout time.Duration) SqliteOptionFunc {
	return func(sqliteOpts *sqlite.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxTimeout = timeout
	}
}

func WithPostgresMigrationTable(migrationTable string) PostgresOptionFunc {
	return func(pgOpts *postgres.Options, connectOpts *sqlgateway.ConnectOptions) {
		pgOpts.MigrationsTable = migrationTable
	}
}

func WithPostgresAppliedAtColumn(column string) PostgresOptionFunc {
	return func(pgOpts *postgres.Options, connectOpts *sqlgateway.ConnectOptions) {
		pgOpts.AppliedAtColumn = column
	}
}

func WithPostgresLockKey(key int64) PostgresOptionFunc {
	return func(pgOpts *postgres.Options, connectOpts *sqlgateway.ConnectOptions) {
		pgOpts.LockKey = key
	}
}

func WithPostgresNoLock() PostgresOptionFunc {
	return func(pgOpts *postgres.Options, connectOpts *sqlgateway.ConnectOptions) {
		pgOpts.NoLock = true
	}
}

func WithPostgresMaxConnectionAttempts(attempts int) PostgresOptionFunc {
	return func(pgOpts *postgres.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxAttempts = attempts
	}
}

func WithPostgresConnectionTimeout(timeout time.Duration) PostgresOptionFunc {
	return func(pgOpts *postgres.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxTimeout = timeout
	}
}

func WithMySQLNoLock() MySQLOptionFunc {
	return func(mysqlOpts *mysql.Options, connectOpts *sqlgateway.ConnectOptions) {
		mysqlOpts.NoLock = true
	}
}

func WithMySQLLockKey(key string) MySQLOptionFunc {
	return func(mysqlOpts *mysql.Options, connectOpts *sqlgateway.ConnectOptions) {
		mysqlOpts.LockKey = key
	}
}

func WithMySQLLockFor(lockFor int) MySQLOptionFunc {
	return func(mysqlOpts *mysql.Options, connectOpts *sqlgateway.ConnectOptions) {
		mysqlOpts.LockFor = lockFor
	}
}

func WithMySQLMigrationTable(migrationTable string) MySQLOptionFunc {
	return func(mysqlOpts *mysql.Options, connectOpts *sqlgateway.ConnectOptions) {
		mysqlOpts.MigrationsTable = migrationTable
	}
}

func WithMySQLAppliedAtColumn(column string) MySQLOptionFunc {
	return func(mysqlOpts *mysql.Options, connectOpts *sqlgateway.ConnectOptions) {
		mysqlOpts.AppliedAtColumn = column
	}
}

func WithMySQLCharset(charset string) MySQLOptionFunc {
	return func(mysqlOpts *mysql.Options, connectOpts *sqlgateway.ConnectOptions) {
		mysqlOpts.Charset = charset
	}
}

func WithMySQLConnectionTimeout(timeout time.Duration) MySQLOptionFunc {
	return func(mysqlOpts *mysql.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxTimeout = timeout
	}
}

func WithMySQLMaxConnectionAttempts(attempts int) MySQLOptionFunc {
	return func(mysqlOpts *mysql.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxAttempts = attempts
	}
}
