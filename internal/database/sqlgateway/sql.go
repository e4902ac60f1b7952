package sqlgateway

import (
	"context"
	"database/sql"
	"time"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/internal/database/sqlgateway/mysql"
	"github.com/denismitr/keel/internal/database/sqlgateway/postgres"
	"github.com/denismitr/keel/internal/database/sqlgateway/sqlite"
	"github.com/denismitr/keel/internal/logger"
	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
)

// SQLGateway tracks applied migrations in a state table and applies units
// over one pinned connection
type SQLGateway struct {
	connector       SQLConnector
	locker          database.Locker
	dialect         database.Dialect
	lg              logger.Logger
	clock           migration.ClockFunc
	migrationsTable string
}

var _ database.Gateway = (*SQLGateway)(nil)

func NewSqliteGateway(connector SQLConnector, opts *sqlite.Options) (*SQLGateway, database.ConnCloser) {
	if opts == nil {
		opts = &sqlite.Options{}
	}

	opts.Defaults()

	g := newGateway(connector, opts.CommonOptions)
	g.locker = nullLocker{}
	g.dialect = sqlite.NewDialect(opts.MigrationsTable, opts.AppliedAtColumn)

	return g, connector.Close
}

func NewPostgresGateway(connector SQLConnector, opts *postgres.Options) (*SQLGateway, database.ConnCloser) {
	if opts == nil {
		opts = &postgres.Options{}
	}

	opts.Defaults()

	g := newGateway(connector, opts.CommonOptions)
	g.locker = postgres.NewLocker(opts.LockKey, opts.NoLock)
	g.dialect = postgres.NewDialect(opts.MigrationsTable, opts.AppliedAtColumn)

	return g, connector.Close
}

func NewMySQLGateway(connector SQLConnector, opts *mysql.Options) (*SQLGateway, database.ConnCloser) {
	if opts == nil {
		opts = &mysql.Options{}
	}

	opts.Defaults()

	g := newGateway(connector, opts.CommonOptions)
	g.locker = mysql.NewLocker(opts.LockKey, opts.LockFor, opts.NoLock)
	g.dialect = mysql.NewDialect(opts.MigrationsTable, opts.AppliedAtColumn, opts.Charset)

	return g, connector.Close
}

func newGateway(connector SQLConnector, opts database.CommonOptions) *SQLGateway {
	return &SQLGateway{
		connector:       connector,
		lg:              logger.NullLogger{},
		clock:           time.Now,
		migrationsTable: opts.MigrationsTable,
	}
}

func (g *SQLGateway) SetLogger(lg logger.Logger) {
	g.lg = lg
}

// SetClock replaces the source of the applied at timestamps
func (g *SQLGateway) Dialect() dialect.Name {
	return g.dialect.Name()
}

func (g *SQLGateway) SetClock(clock migration.ClockFunc) {
	g.clock = clock
}

// Migrate applies the pending units of the plan one by one under the
// exclusive lock and stops at the first failure
func (g *SQLGateway) Migrate(ctx context.Context, units migration.Units, p database.Plan) ([]migration.Result, error) {
	var results []migration.Result

	f := func(conn *sql.Conn) error {
		records, err := g.readRecords(ctx, conn, p.DryRun)
		if err != nil {
			return err
		}

		for _, r := range database.UnknownRecords(units, records) {
			g.lg.Warnf("migration [%s] %s is recorded but no longer known", r.ID, r.Name)
		}

		scheduled := database.SchedulePending(units, records, p)
		if len(scheduled) == 0 {
			return database.ErrNoChangesRequired
		}

		for _, u := range scheduled {
			g.lg.Debugf("applying migration [%s] %s", u.ID, u.Name)

			result, err := g.apply(ctx, conn, u, p.DryRun)
			results = append(results, result)
			if err != nil {
				return err
			}

			g.report(result)
		}

		return nil
	}

	if err := g.execUnderLock(ctx, p.DryRun, f); err != nil {
		return results, err
	}

	return results, nil
}

func (g *SQLGateway) Apply(ctx context.Context, u *migration.Unit, dryRun bool) (migration.Result, error) {
	conn, err := g.connector.Connect(ctx)
	if err != nil {
		return migration.Result{Unit: u, Outcome: migration.Failed, Err: err}, err
	}

	return g.apply(ctx, conn, u, dryRun)
}

func (g *SQLGateway) execUnderLock(ctx context.Context, dryRun bool, f func(conn *sql.Conn) error) (err error) {
	conn, err := g.connector.Connect(ctx)
	if err != nil {
		return err
	}

	if err := g.locker.Lock(ctx, conn); err != nil {
		return errors.Wrap(err, "database lock failed")
	}

	defer func() {
		if unlockErr := g.locker.Unlock(context.Background(), conn); unlockErr != nil {
			g.lg.Error(unlockErr)
			if err == nil {
				err = unlockErr
			}
		}
	}()

	if !dryRun {
		if err := g.create(ctx, conn); err != nil {
			return err
		}
	}

	return f(conn)
}

func (g *SQLGateway) report(r migration.Result) {
	switch r.Outcome {
	case migration.Applied:
		g.lg.Successf(
			"applied migration [%s] %s: executed %d, skipped %d, absorbed %d",
			r.Unit.ID, r.Unit.Name,
			r.Count(migration.Executed), r.Count(migration.GuardSkipped), r.Count(migration.Absorbed),
		)
	case migration.Skipped:
		g.lg.Successf("skipped migration [%s] %s: already recorded", r.Unit.ID, r.Unit.Name)
	case migration.DryRun:
		g.lg.Successf(
			"dry run of migration [%s] %s: planned %d, skipped %d",
			r.Unit.ID, r.Unit.Name, r.Count(migration.Planned), r.Count(migration.GuardSkipped),
		)
	}
}
