package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/denismitr/keel/internal/logger"
	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const DefaultMigrationsFolder = "./migrations"
const DefaultIDWidth = 3

const sqlExtension = ".sql"

var fileNameRegexp = regexp.MustCompile(`^(?P<id>\d{1,20})(?:_(?P<name>[A-Za-z0-9][\w-]*))?\.sql$`)
var migrationNameRegexp = regexp.MustCompile(`^[A-Za-z0-9][\w -]*$`)

type LocalFileSource struct {
	folder           string
	lg               logger.Logger
	backslashEscapes bool
}

var _ Source = (*LocalFileSource)(nil)

func NewLocalFSSource(folder string, lg logger.Logger) *LocalFileSource {
	if folder == "" {
		folder = DefaultMigrationsFolder
	}

	if lg == nil {
		lg = logger.NullLogger{}
	}

	return &LocalFileSource{folder: folder, lg: lg}
}

func (lfs *LocalFileSource) SetLogger(lg logger.Logger) {
	lfs.lg = lg
}

// SetBackslashEscapes makes the files read with MySQL string literal escapes
func (lfs *LocalFileSource) SetBackslashEscapes(on bool) {
	lfs.backslashEscapes = on
}

func (lfs *LocalFileSource) Folder() string {
	return lfs.folder
}

func (lfs *LocalFileSource) IsValid() bool {
	info, err := os.Stat(lfs.folder)
	if err != nil {
		return false
	}

	return info.IsDir()
}

func (lfs *LocalFileSource) AlreadyExists(id, name string) bool {
	filename := filepath.Join(lfs.folder, migration.CreateKeyFromIDAndName(id, name)+sqlExtension)
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}

	return !info.IsDir()
}

// List reads every migration file of the folder concurrently and returns
// the units sorted by id
func (lfs *LocalFileSource) List(ctx context.Context, f Filter) (migration.Units, error) {
	files, err := lfs.migrationFiles()
	if err != nil {
		return nil, err
	}

	units := make(migration.Units, len(files))

	eg, ctx := errgroup.WithContext(ctx)
	for i := range files {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			u, err := lfs.readOne(files[i])
			if err != nil {
				lfs.lg.Error(err)
				return err
			}

			units[i] = u
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if err := units.Validate(); err != nil {
		return nil, err
	}

	return filterUnits(units, f), nil
}

// Create writes an empty migration file with the next free id
func (lfs *LocalFileSource) Create(ctx context.Context, name string) (*migration.Unit, string, error) {
	if !lfs.IsValid() {
		return nil, "", errors.Wrapf(ErrInvalidFolder, "[%s]", lfs.folder)
	}

	name = strings.TrimSpace(name)
	if !migrationNameRegexp.MatchString(name) {
		return nil, "", errors.Errorf("invalid migration name [%s]", name)
	}

	existing, err := lfs.List(ctx, Filter{})
	if err != nil {
		return nil, "", err
	}

	id, err := NextID(existing)
	if err != nil {
		return nil, "", err
	}

	u, err := migration.New(id, name)
	if err != nil {
		return nil, "", err
	}

	if lfs.AlreadyExists(u.ID, u.Name) {
		return nil, "", errors.Wrapf(ErrAlreadyExists, "[%s]", u.Key())
	}

	filename := filepath.Join(lfs.folder, u.Key()+sqlExtension)
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", errors.Wrapf(err, "could not create file [%s]", filename)
	}

	if cErr := f.Close(); cErr != nil {
		return nil, "", errors.Wrapf(cErr, "could not close file %s", filename)
	}

	lfs.lg.Debugf("created migration file %s", filename)

	return u, filename, nil
}

// NextID returns max+1 padded to the widest existing id
func NextID(units migration.Units) (string, error) {
	width := DefaultIDWidth
	var max uint64

	for i := range units {
		if len(units[i].ID) > width {
			width = len(units[i].ID)
		}

		n, err := strconv.ParseUint(units[i].ID, 10, 64)
		if err != nil {
			return "", errors.Wrapf(migration.ErrInvalidID, "[%s] is out of range", units[i].ID)
		}

		if n > max {
			max = n
		}
	}

	return fmt.Sprintf("%0*d", width, max+1), nil
}

func (lfs *LocalFileSource) migrationFiles() ([]string, error) {
	entries, err := os.ReadDir(lfs.folder)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read migrations from folder %s", lfs.folder)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != sqlExtension {
			continue
		}

		if !fileNameRegexp.MatchString(e.Name()) {
			return nil, &migration.DiscoveryError{File: e.Name(), Cause: ErrNotAMigrationFile}
		}

		files = append(files, e.Name())
	}

	return files, nil
}

func (lfs *LocalFileSource) readOne(file string) (*migration.Unit, error) {
	id, name := parseFileName(file)

	contents, err := os.ReadFile(filepath.Join(lfs.folder, file))
	if err != nil {
		return nil, &migration.DiscoveryError{ID: id, File: file, Cause: err}
	}

	var opts []migration.ParseOption
	if lfs.backslashEscapes {
		opts = append(opts, migration.BackslashEscapes())
	}

	u, err := migration.FromSQL(id, name, string(contents), opts...)
	if err != nil {
		return nil, &migration.DiscoveryError{ID: id, File: file, Cause: err}
	}

	return u, nil
}

func parseFileName(file string) (id, name string) {
	matches := fileNameRegexp.FindStringSubmatch(file)
	if len(matches) < 3 {
		return "", ""
	}

	return matches[1], matches[2]
}
