package keel

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/denismitr/keel/internal/source"
	"github.com/denismitr/keel/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const actionTokensSQL = `
CREATE TABLE action_tokens (
	token TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);

CREATE INDEX idx_action_tokens_expires_at ON action_tokens (expires_at);
`

const frameQrTareSQL = `
-- frames keep the tare qr separately from the goods qr
ALTER TABLE frames ADD COLUMN frame_qr_tare TEXT;
`

func openSqlite(t *testing.T) (*sql.DB, string) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "keel.db") + "?_busy_timeout=5000&_txlock=immediate"

	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})

	_, err = db.Exec(`CREATE TABLE frames (id INTEGER PRIMARY KEY, device_id INTEGER, frame_qr_goods TEXT)`)
	require.NoError(t, err)

	return db, dsn
}

func spec001And002(t *testing.T) migration.Units {
	t.Helper()

	u1, err := migration.FromSQL("001", "create_action_tokens", actionTokensSQL)
	require.NoError(t, err)

	u2, err := migration.FromSQL("002", "add_frame_qr_tare", frameQrTareSQL)
	require.NoError(t, err)

	return migration.Units{u1, u2}
}

func newMigrator(t *testing.T, opts ...OptionFunc) *Migrator {
	t.Helper()

	m, closer, err := NewMigrator(opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, closer())
	})

	return m
}

func columns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	require.NoError(t, err)
	defer rows.Close()

	var result []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		result = append(result, name)
	}

	require.NoError(t, rows.Err())

	return result
}

func schema(t *testing.T, db *sql.DB) []string {
	t.Helper()

	rows, err := db.Query(`SELECT type || ':' || name FROM sqlite_master WHERE name NOT LIKE 'sqlite_%' ORDER BY type, name`)
	require.NoError(t, err)
	defer rows.Close()

	var result []string
	for rows.Next() {
		var obj string
		require.NoError(t, rows.Scan(&obj))
		result = append(result, obj)
	}

	require.NoError(t, rows.Err())

	return result
}

func TestNewMigrator(t *testing.T) {
	t.Run("it will fail without a database gateway", func(t *testing.T) {
		m, closer, err := NewMigrator(UseInMemorySource(migration.MustNew("1", "a")))
		assert.Nil(t, m)
		assert.Nil(t, closer)
		assert.True(t, errors.Is(err, ErrGatewayNotInitialized))
	})

	t.Run("it will fail on duplicate in memory ids", func(t *testing.T) {
		db, _ := openSqlite(t)

		_, _, err := NewMigrator(
			UseSqlite(db),
			UseInMemorySource(migration.MustNew("1", "a"), migration.MustNew("001", "b")),
		)
		assert.True(t, errors.Is(err, migration.ErrDuplicateID))
	})
}

func TestMigrator_Migrate(t *testing.T) {
	ctx := context.Background()

	t.Run("it will create action tokens and add the tare column exactly once", func(t *testing.T) {
		db, _ := openSqlite(t)
		m := newMigrator(t, UseSqlite(db), UseInMemorySource(spec001And002(t)...))

		report, err := m.Migrate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"001", "002"}, report.Applied())
		assert.Nil(t, report.Failed())
		assert.False(t, report.DryRun)

		assert.Equal(t, []string{"token", "user_id", "action", "expires_at"}, columns(t, db, "action_tokens"))
		assert.Contains(t, columns(t, db, "frames"), "frame_qr_tare")

		before := schema(t, db)

		report, err = m.Migrate(ctx)
		require.NoError(t, err)
		assert.True(t, report.Empty())
		assert.Equal(t, before, schema(t, db))

		st, err := m.Status(ctx)
		require.NoError(t, err)
		require.Len(t, st.Applied, 2)
		assert.Empty(t, st.Pending)
		assert.Empty(t, st.Unknown)
	})

	t.Run("an empty registry has nothing to migrate", func(t *testing.T) {
		db, _ := openSqlite(t)

		for name, opt := range map[string]OptionFunc{
			"in memory":    UseInMemorySource(),
			"local folder": UseLocalFolderSource(t.TempDir()),
		} {
			m := newMigrator(t, UseSqlite(db), opt)

			report, err := m.Migrate(ctx)
			require.NoError(t, err, name)
			assert.True(t, report.Empty(), name)

			report, err = m.DryRun(ctx)
			require.NoError(t, err, name)
			assert.True(t, report.Empty(), name)
		}
	})

	t.Run("it will skip adding the tare column when it already exists", func(t *testing.T) {
		db, _ := openSqlite(t)
		_, err := db.Exec(`ALTER TABLE frames ADD COLUMN frame_qr_tare TEXT`)
		require.NoError(t, err)

		m := newMigrator(t, UseSqlite(db), UseInMemorySource(spec001And002(t)...))

		report, err := m.Migrate(ctx)
		require.NoError(t, err)
		require.Len(t, report.Results, 2)

		frames := report.Results[1]
		assert.Equal(t, migration.Applied, frames.Outcome)
		assert.Equal(t, 1, frames.Count(migration.GuardSkipped))
		assert.Equal(t, 0, frames.Count(migration.Executed))
	})

	t.Run("it will stop at the first failure and record nothing for it", func(t *testing.T) {
		db, _ := openSqlite(t)

		units := []*migration.Unit{
			migration.MustNew("1", "ok", migration.CreateTable("devices", "CREATE TABLE devices (id INTEGER PRIMARY KEY)")),
			migration.MustNew("2", "broken",
				migration.CreateTable("sessions", "CREATE TABLE sessions (id INTEGER PRIMARY KEY)"),
				migration.Raw("INSERT INTO nowhere (id) VALUES (1)"),
			),
			migration.MustNew("3", "never", migration.CreateTable("later", "CREATE TABLE later (id INTEGER)")),
		}

		m := newMigrator(t, UseSqlite(db), UseInMemorySource(units...))

		report, err := m.Migrate(ctx)
		require.Error(t, err)

		var applyErr *migration.ApplyError
		require.True(t, errors.As(err, &applyErr))
		assert.Equal(t, "2", applyErr.UnitID)
		assert.Equal(t, 1, applyErr.Index)
		assert.True(t, migration.IsFatal(err))

		assert.Equal(t, []string{"1"}, report.Applied())
		require.NotNil(t, report.Failed())
		assert.Equal(t, "2", report.Failed().Unit.ID)
		assert.Len(t, report.Results, 2)

		// the failed unit was rolled back as a whole
		assert.NotContains(t, schema(t, db), "table:sessions")
		assert.NotContains(t, schema(t, db), "table:later")

		st, err := m.Status(ctx)
		require.NoError(t, err)
		require.Len(t, st.Applied, 1)
		assert.Equal(t, []string{"2", "3"}, st.Pending.IDs())
	})

	t.Run("steps and ids narrow the run", func(t *testing.T) {
		db, _ := openSqlite(t)

		units := []*migration.Unit{
			migration.MustNew("1", "a", migration.CreateTable("a", "CREATE TABLE a (id INTEGER)")),
			migration.MustNew("2", "b", migration.CreateTable("b", "CREATE TABLE b (id INTEGER)")),
			migration.MustNew("3", "c", migration.CreateTable("c", "CREATE TABLE c (id INTEGER)")),
		}

		m := newMigrator(t, UseSqlite(db), UseInMemorySource(units...))

		report, err := m.Migrate(ctx, WithSteps(1))
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, report.Applied())

		report, err = m.Migrate(ctx, WithIDs("03"))
		require.NoError(t, err)
		assert.Equal(t, []string{"3"}, report.Applied())

		report, err = m.Migrate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, report.Applied())
	})

	t.Run("a custom state table is used", func(t *testing.T) {
		db, _ := openSqlite(t)

		m := newMigrator(t,
			UseSqlite(db, WithSqliteMigrationTable("schema_versions"), WithSqliteAppliedAtColumn("done_at")),
			UseInMemorySource(spec001And002(t)...),
		)

		_, err := m.Migrate(ctx)
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE done_at IS NOT NULL`).Scan(&count))
		assert.Equal(t, 2, count)
	})
}

func TestMigrator_DryRun(t *testing.T) {
	ctx := context.Background()
	db, _ := openSqlite(t)

	m := newMigrator(t, UseSqlite(db), UseInMemorySource(spec001And002(t)...))

	before := schema(t, db)

	report, err := m.DryRun(ctx)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Results, 2)
	assert.Equal(t, []string{"001", "002"}, report.IDs(migration.DryRun))
	assert.Equal(t, 2, report.Results[0].Count(migration.Planned))

	assert.Equal(t, before, schema(t, db), "dry run must not touch the schema")

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Applied)
	assert.Equal(t, []string{"001", "002"}, st.Pending.IDs())
}

func TestMigrator_LocalFolder(t *testing.T) {
	ctx := context.Background()
	db, _ := openSqlite(t)

	folder := t.TempDir()
	write := func(name, contents string) {
		require.NoError(t, os.WriteFile(filepath.Join(folder, name), []byte(contents), 0o644))
	}

	write("001_create_action_tokens.sql", actionTokensSQL)
	write("002_add_frame_qr_tare.sql", frameQrTareSQL)
	write("notes.txt", "not a migration")

	m := newMigrator(t, UseSqlite(db), UseLocalFolderSource(folder))

	report, err := m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, report.Applied())

	src := m.Source()
	require.NotNil(t, src)

	u, filename, err := src.Create(ctx, "touch device activity")
	require.NoError(t, err)
	assert.Equal(t, "003", u.ID)
	write(filepath.Base(filename), "CREATE TABLE devices (id INTEGER PRIMARY KEY, last_activity TIMESTAMP);")

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"003"}, st.Pending.IDs())

	report, err = m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"003"}, report.Applied())

	require.NoError(t, os.Remove(filepath.Join(folder, "002_add_frame_qr_tare.sql")))

	st, err = m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Unknown, 1)
	assert.Equal(t, "002", st.Unknown[0].ID)
	assert.Len(t, st.Applied, 2)
}

func TestMigrator_MySQLFilesUseBackslashEscapes(t *testing.T) {
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(folder, "001_seed.sql"),
		[]byte("INSERT INTO stages (name) VALUES ('it\\'s; fine');\n"),
		0o644,
	))

	// the handle is never connected, listing only reads the folder
	mysqlDB, err := sql.Open("mysql", "keel:secret@tcp(127.0.0.1:1)/keel")
	require.NoError(t, err)
	t.Cleanup(func() { _ = mysqlDB.Close() })

	m := newMigrator(t, UseMySQL(mysqlDB), UseLocalFolderSource(folder))
	units, err := m.registry.List(context.Background(), source.Filter{})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Len(t, units[0].Statements, 1)

	db, _ := openSqlite(t)
	m = newMigrator(t, UseSqlite(db), UseLocalFolderSource(folder))
	_, err = m.registry.List(context.Background(), source.Filter{})
	assert.True(t, migration.IsFatal(err))
}

func TestMigrator_ConcurrentRunners(t *testing.T) {
	ctx := context.Background()
	_, dsn := openSqlite(t)

	const runners = 3

	reports := make([]Report, runners)
	eg, ctx := errgroup.WithContext(ctx)

	for i := 0; i < runners; i++ {
		i := i

		db, err := sql.Open("sqlite3", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		m := newMigrator(t, UseSqlite(db), UseInMemorySource(spec001And002(t)...))

		eg.Go(func() error {
			r, err := m.Migrate(ctx)
			reports[i] = r
			return err
		})
	}

	require.NoError(t, eg.Wait())

	applied := map[string]int{}
	for _, r := range reports {
		for _, id := range r.Applied() {
			applied[id]++
		}
	}

	assert.Equal(t, map[string]int{"001": 1, "002": 1}, applied)
}

func TestCreateConfigurators(t *testing.T) {
	cfs, err := CreateConfigurators(0, nil, false)
	require.NoError(t, err)
	assert.Empty(t, cfs)

	cfs, err = CreateConfigurators(2, []string{"001", "7"}, true)
	require.NoError(t, err)

	act := new(Action)
	for _, f := range cfs {
		f(act)
	}

	assert.Equal(t, 2, act.steps)
	assert.Equal(t, []string{"001", "7"}, act.ids)
	assert.True(t, act.dryRun)

	_, err = CreateConfigurators(-1, nil, false)
	assert.Error(t, err)

	_, err = CreateConfigurators(0, []string{"v1"}, false)
	assert.True(t, errors.Is(err, migration.ErrInvalidID))
}
