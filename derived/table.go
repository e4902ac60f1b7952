package derived

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var (
	ErrRowNotFound       = errors.New("row not found")
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
	ErrEmptyWrite        = errors.New("nothing to write")
)

var identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const keyParam = "keel_row_key"

// Row is a table row keyed by column name
type Row map[string]interface{}

// Hook maintains state derived from a written row. It runs with the
// transaction of the write, an error fails the write.
type Hook interface {
	Run(ctx context.Context, tx *sqlx.Tx, table string, row Row) error
}

type HookFunc func(ctx context.Context, tx *sqlx.Tx, table string, row Row) error

func (f HookFunc) Run(ctx context.Context, tx *sqlx.Tx, table string, row Row) error {
	return f(ctx, tx, table, row)
}

type validator interface {
	Validate() error
}

// Table writes rows of one table and runs the registered hooks after every write
type Table struct {
	name  string
	key   string
	hooks []Hook
}

func NewTable(name, key string, hooks ...Hook) (*Table, error) {
	if err := validIdentifiers(name, key); err != nil {
		return nil, err
	}

	t := &Table{name: name, key: key}
	if err := t.Register(hooks...); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Register(hooks ...Hook) error {
	for _, h := range hooks {
		if v, ok := h.(validator); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	}

	t.hooks = append(t.hooks, hooks...)

	return nil
}

// Insert writes the row and runs the hooks with it
func (t *Table) Insert(ctx context.Context, tx *sqlx.Tx, row Row) error {
	columns, err := t.columns(row)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (:%s)",
		t.name, strings.Join(columns, ", "), strings.Join(columns, ", :"),
	)

	if _, err := tx.NamedExecContext(ctx, query, map[string]interface{}(row)); err != nil {
		return errors.Wrapf(err, "could not insert into %s", t.name)
	}

	return t.runHooks(ctx, tx, row)
}

// Update changes the row with the given key and runs the hooks with the row
// as it is after the write
func (t *Table) Update(ctx context.Context, tx *sqlx.Tx, key interface{}, changes Row) error {
	columns, err := t.columns(changes)
	if err != nil {
		return err
	}

	assignments := make([]string, len(columns))
	args := make(map[string]interface{}, len(columns)+1)
	for i, c := range columns {
		assignments[i] = fmt.Sprintf("%s = :%s", c, c)
		args[c] = changes[c]
	}

	args[keyParam] = key

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = :%s",
		t.name, strings.Join(assignments, ", "), t.key, keyParam,
	)

	if _, err := tx.NamedExecContext(ctx, query, args); err != nil {
		return errors.Wrapf(err, "could not update %s", t.name)
	}

	row, err := t.load(ctx, tx, key)
	if err != nil {
		return err
	}

	return t.runHooks(ctx, tx, row)
}

func (t *Table) load(ctx context.Context, tx *sqlx.Tx, key interface{}) (Row, error) {
	query := tx.Rebind(fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", t.name, t.key))

	row := make(map[string]interface{})
	if err := tx.QueryRowxContext(ctx, query, key).MapScan(row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrRowNotFound, "%s with %s [%v]", t.name, t.key, key)
		}

		return nil, errors.Wrapf(err, "could not read back %s [%v]", t.name, key)
	}

	return row, nil
}

func (t *Table) runHooks(ctx context.Context, tx *sqlx.Tx, row Row) error {
	for i, h := range t.hooks {
		if err := h.Run(ctx, tx, t.name, row); err != nil {
			return errors.Wrapf(err, "hook #%d on %s failed", i+1, t.name)
		}
	}

	return nil
}

func (t *Table) columns(row Row) ([]string, error) {
	if len(row) == 0 {
		return nil, errors.Wrapf(ErrEmptyWrite, "table %s", t.name)
	}

	columns := make([]string, 0, len(row))
	for c := range row {
		if c == keyParam {
			return nil, errors.Wrapf(ErrInvalidIdentifier, "[%s] is reserved", c)
		}

		columns = append(columns, c)
	}

	if err := validIdentifiers(columns...); err != nil {
		return nil, err
	}

	sort.Strings(columns)

	return columns, nil
}

func validIdentifiers(names ...string) error {
	for _, n := range names {
		if !identifierRegexp.MatchString(n) {
			return errors.Wrapf(ErrInvalidIdentifier, "[%s]", n)
		}
	}

	return nil
}
