package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/denismitr/keel/internal/logger"
	"github.com/denismitr/keel/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stubs = "./stubs"

func stubSource(t *testing.T, folder string) *LocalFileSource {
	t.Helper()

	path, err := filepath.Abs(filepath.Join(stubs, folder))
	require.NoError(t, err)

	return NewLocalFSSource(path, &logger.NullLogger{})
}

func Test_LocalFolderCanBeListed(t *testing.T) {
	src := stubSource(t, "valid")

	t.Run("all migrations are read in numeric order", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		units, err := src.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, units, 3)

		assert.Equal(t, []string{"001", "002", "10"}, units.IDs())

		assert.Equal(t, "create_action_tokens", units[0].Name)
		require.Len(t, units[0].Statements, 2)
		assert.Equal(t, migration.CreateTableKind, units[0].Statements[0].Kind)
		assert.Equal(t, "action_tokens", units[0].Statements[0].Target.Name)
		assert.True(t, units[0].Statements[0].Guard)
		assert.Equal(t, migration.CreateIndexKind, units[0].Statements[1].Kind)
		assert.Equal(t, migration.Object{Table: "action_tokens", Name: "idx_action_tokens_expires_at"}, units[0].Statements[1].Target)
		assert.False(t, units[0].NoTransaction)

		require.Len(t, units[1].Statements, 1)
		assert.Equal(t, migration.AlterTableKind, units[1].Statements[0].Kind)
		assert.Equal(t, migration.Object{Table: "frames", Name: "frame_qr_tare"}, units[1].Statements[0].Target)

		assert.True(t, units[2].NoTransaction)
		require.Len(t, units[2].Statements, 2)
		assert.Equal(t, migration.CreateTriggerKind, units[2].Statements[0].Kind)
		assert.Contains(t, units[2].Statements[0].Body, "END")
		assert.Equal(t, migration.DataBackfillKind, units[2].Statements[1].Kind)
		assert.False(t, units[2].Statements[1].Guard)
		assert.Contains(t, units[2].Statements[1].Body, "'n/a; never'")
	})

	t.Run("specified migrations can be selected by id", func(t *testing.T) {
		units, err := src.List(context.Background(), Filter{IDs: []string{"2", "010"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"002", "10"}, units.IDs())
	})
}

func Test_LocalFolderDiscoveryErrors(t *testing.T) {
	tt := []struct {
		folder string
		cause  error
	}{
		{folder: "duplicate", cause: migration.ErrDuplicateID},
		{folder: "malformed", cause: ErrNotAMigrationFile},
		{folder: "broken", cause: migration.ErrMalformedDirective},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(tc.folder, func(t *testing.T) {
			units, err := stubSource(t, tc.folder).List(context.Background(), Filter{})
			require.Error(t, err)
			assert.Nil(t, units)

			var de *migration.DiscoveryError
			assert.True(t, errors.As(err, &de))
			assert.True(t, errors.Is(err, tc.cause), err.Error())
			assert.True(t, migration.IsFatal(err))
		})
	}

	t.Run("missing folder", func(t *testing.T) {
		_, err := stubSource(t, "nope").List(context.Background(), Filter{})
		assert.Error(t, err)
	})
}

func Test_MigrationFileCanBeCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("it will allocate the next id keeping the widest padding", func(t *testing.T) {
		folder := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(folder, "0007_create_a.sql"), []byte("CREATE TABLE a (id INTEGER);"), 0o644))

		src := NewLocalFSSource(folder, nil)
		u, filename, err := src.Create(ctx, "add frame qr tare")
		require.NoError(t, err)

		assert.Equal(t, "0008", u.ID)
		assert.Equal(t, filepath.Join(folder, "0008_add_frame_qr_tare.sql"), filename)
		assert.True(t, src.AlreadyExists("0008", "add frame qr tare"))

		units, err := src.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"0007", "0008"}, units.IDs())
		assert.Empty(t, units[1].Statements)
	})

	t.Run("it will start from 001 in an empty folder", func(t *testing.T) {
		u, _, err := NewLocalFSSource(t.TempDir(), nil).Create(ctx, "init")
		require.NoError(t, err)
		assert.Equal(t, "001", u.ID)
	})

	t.Run("it will refuse an invalid folder or name", func(t *testing.T) {
		_, _, err := NewLocalFSSource(filepath.Join(t.TempDir(), "missing"), nil).Create(ctx, "init")
		assert.True(t, errors.Is(err, ErrInvalidFolder))

		_, _, err = NewLocalFSSource(t.TempDir(), nil).Create(ctx, "../escape")
		assert.Error(t, err)
	})
}

func Test_LocalFolderBackslashEscapes(t *testing.T) {
	folder := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(folder, "001_seed_stages.sql"),
		[]byte("INSERT INTO stages (name) VALUES ('it\\'s; fine');\nINSERT INTO stages (name) VALUES ('cgp');\n"),
		0o644,
	))

	src := NewLocalFSSource(folder, nil)

	_, err := src.List(context.Background(), Filter{})
	require.Error(t, err)
	assert.True(t, migration.IsFatal(err))

	src.SetBackslashEscapes(true)

	units, err := src.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Len(t, units[0].Statements, 2)
	assert.Equal(t, "INSERT INTO stages (name) VALUES ('it\\'s; fine')", units[0].Statements[0].Body)
}

func TestNextID(t *testing.T) {
	tt := []struct {
		name string
		ids  []string
		out  string
	}{
		{name: "empty", ids: nil, out: "001"},
		{name: "short ids", ids: []string{"1", "2"}, out: "003"},
		{name: "padded", ids: []string{"001", "099"}, out: "100"},
		{name: "timestamps", ids: []string{"1596897167", "1596897188"}, out: "1596897189"},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var units migration.Units
			for _, id := range tc.ids {
				units = append(units, migration.MustNew(id, "m"))
			}

			id, err := NextID(units)
			require.NoError(t, err)
			assert.Equal(t, tc.out, id)
		})
	}
}

func TestInMemorySource(t *testing.T) {
	ctx := context.Background()

	src, err := NewInMemorySource(
		migration.MustNew("2", "second", migration.Raw("SELECT 2")),
		migration.MustNew("1", "first", migration.Raw("SELECT 1")),
	)
	require.NoError(t, err)

	units, err := src.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, units.IDs())

	units, err = src.List(ctx, Filter{IDs: []string{"02"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, units.IDs())

	_, err = NewInMemorySource(migration.MustNew("1", "a"), migration.MustNew("01", "b"))
	assert.True(t, errors.Is(err, migration.ErrDuplicateID))

	empty, err := NewInMemorySource()
	require.NoError(t, err)
	_, err = empty.List(ctx, Filter{})
	assert.True(t, errors.Is(err, ErrNoMigrations))
}
