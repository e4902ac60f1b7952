package cli

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/denismitr/keel"
	"github.com/denismitr/keel/dialect"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type (
	migratorFactory    func(cfg Config, db *sqlx.DB) (keel.OptionFunc, error)
	migratorFactoryMap map[dialect.Name]migratorFactory
)

var factories = migratorFactoryMap{
	dialect.MySQL:    mysqlOption,
	dialect.Postgres: postgresOption,
	dialect.SQLite:   sqliteOption,
}

func mysqlOption(cfg Config, db *sqlx.DB) (keel.OptionFunc, error) {
	var opts []keel.MySQLOptionFunc
	if cfg.MigrationsTable != "" {
		opts = append(opts, keel.WithMySQLMigrationTable(cfg.MigrationsTable))
	}

	if cfg.LockKey != "" {
		opts = append(opts, keel.WithMySQLLockKey(cfg.LockKey))
	}

	if cfg.LockFor > 0 {
		opts = append(opts, keel.WithMySQLLockFor(cfg.LockFor))
	}

	return keel.UseMySQL(db.DB, opts...), nil
}

func postgresOption(cfg Config, db *sqlx.DB) (keel.OptionFunc, error) {
	var opts []keel.PostgresOptionFunc
	if cfg.MigrationsTable != "" {
		opts = append(opts, keel.WithPostgresMigrationTable(cfg.MigrationsTable))
	}

	if cfg.LockKey != "" {
		key, err := strconv.ParseInt(cfg.LockKey, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrConfigInvalid, "postgres lock key must be an integer, got [%s]", cfg.LockKey)
		}

		opts = append(opts, keel.WithPostgresLockKey(key))
	}

	return keel.UsePostgres(db.DB, opts...), nil
}

func sqliteOption(cfg Config, db *sqlx.DB) (keel.OptionFunc, error) {
	var opts []keel.SqliteOptionFunc
	if cfg.MigrationsTable != "" {
		opts = append(opts, keel.WithSqliteMigrationTable(cfg.MigrationsTable))
	}

	return keel.UseSqlite(db.DB, opts...), nil
}

// openDB maps the url scheme to a dialect and opens the database with its driver
func openDB(url string) (*sqlx.DB, dialect.Name, error) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		scheme, rest, ok = strings.Cut(url, ":")
	}

	if !ok {
		return nil, "", errors.Errorf("unknown database driver [%s]", url)
	}

	d, err := dialect.Parse(scheme)
	if err != nil {
		return nil, "", err
	}

	var dsn string
	switch d {
	case dialect.MySQL:
		dsn, err = mysqlDSN(rest)
	case dialect.Postgres:
		dsn = url
	case dialect.SQLite:
		dsn = sqliteDSN(rest)
	}

	if err != nil {
		return nil, "", err
	}

	db, err := sqlx.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, "", errors.Wrapf(err, "could not open %s database", d)
	}

	return db, d, nil
}

// mysqlDSN turns the part after mysql:// into a driver dsn, applied_at is
// scanned into time.Time so parseTime is always on
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "invalid mysql dsn")
	}

	cfg.ParseTime = true

	return cfg.FormatDSN(), nil
}

// sqliteDSN serializes writers of concurrent runners on the database file
func sqliteDSN(path string) string {
	if strings.Contains(path, "_txlock=") {
		return path
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return path + sep + "_txlock=immediate&_busy_timeout=5000"
}

func createMigrator(cfg Config) (*keel.Migrator, CloserFunc, error) {
	db, d, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	factory, ok := factories[d]
	if !ok {
		_ = db.Close()
		return nil, nil, errors.Errorf("could not find factory for driver [%s]", d)
	}

	dbOption, err := factory(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	logOption := keel.UseColorLogger(log.New(os.Stdout, "", 0), cfg.PrintSQL, cfg.Debug)
	if cfg.NoColor {
		logOption = keel.UseLogger(log.New(os.Stdout, "", 0), cfg.PrintSQL, cfg.Debug)
	}

	m, closer, err := keel.NewMigrator(logOption, dbOption, keel.UseLocalFolderSource(cfg.MigrationsFolder))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return m, func() error {
		closeErr := closer()
		if err := db.Close(); err != nil && closeErr == nil {
			closeErr = err
		}

		return closeErr
	}, nil
}
