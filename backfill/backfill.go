// Package backfill reconciles two fields that hold the same value under
// different names, e.g. a legacy JSON key and its replacement. Values are only
// ever copied into an absent field, a row where both fields are present is
// never changed even when they differ.
package backfill

import (
	"context"
	"fmt"
	"regexp"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/internal/logger"
	"github.com/denismitr/keel/migration"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var (
	ErrInvalidSpec = errors.New("invalid backfill spec")

	identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Field is a column or a key of a JSON object stored in a column
type Field struct {
	Column string
	Key    string
}

func Column(name string) Field {
	return Field{Column: name}
}

func JSONKey(column, key string) Field {
	return Field{Column: column, Key: key}
}

func (f Field) IsJSON() bool {
	return f.Key != ""
}

func (f Field) String() string {
	if f.IsJSON() {
		return f.Column + "." + f.Key
	}

	return f.Column
}

type Spec struct {
	Table string
	// Key is the primary key column, required when ChunkSize is set
	Key string
	// Filter is an optional SQL predicate restricting the rows, e.g. stage_name = 'cgp'
	Filter      string
	Left, Right Field
	// ChunkSize is the number of rows per transaction, zero runs one statement per direction
	ChunkSize int
}

func (s Spec) Validate() error {
	names := []string{s.Table, s.Left.Column, s.Right.Column}
	for _, f := range []Field{s.Left, s.Right} {
		if f.IsJSON() {
			names = append(names, f.Key)
		}
	}

	if s.ChunkSize < 0 {
		return errors.Wrapf(ErrInvalidSpec, "chunk size %d", s.ChunkSize)
	}

	if s.ChunkSize > 0 || s.Key != "" {
		names = append(names, s.Key)
	}

	for _, n := range names {
		if !identifierRegexp.MatchString(n) {
			return errors.Wrapf(ErrInvalidSpec, "invalid identifier [%s]", n)
		}
	}

	if s.Left == s.Right {
		return errors.Wrapf(ErrInvalidSpec, "left and right are the same field %s", s.Left)
	}

	return nil
}

// Stats counts changed rows per direction and the rows left divergent
type Stats struct {
	Forward   int64
	Backward  int64
	Conflicts int64
}

func (s Stats) Changed() int64 {
	return s.Forward + s.Backward
}

type Option func(*config)

type config struct {
	lg logger.Logger
}

func WithLogger(lg logger.Logger) Option {
	return func(c *config) {
		c.lg = lg
	}
}

// Reconcile copies Left into Right where only Left is present and Right into
// Left where only Right is present. Running it again changes nothing.
func Reconcile(ctx context.Context, db *sqlx.DB, spec Spec, opts ...Option) (Stats, error) {
	var stats Stats

	cfg := config{lg: logger.NullLogger{}}
	for _, o := range opts {
		o(&cfg)
	}

	if err := spec.Validate(); err != nil {
		return stats, err
	}

	d, err := dialect.Parse(db.DriverName())
	if err != nil {
		return stats, err
	}

	b, err := newBuilder(d)
	if err != nil {
		return stats, err
	}

	if spec.ChunkSize == 0 {
		err = inTx(ctx, db, func(tx *sqlx.Tx) error {
			return reconcileWindow(ctx, tx, b, spec, "", nil, &stats, cfg.lg)
		})
	} else {
		err = reconcileChunks(ctx, db, b, spec, &stats, cfg.lg)
	}

	if err != nil {
		return stats, err
	}

	if err := db.GetContext(ctx, &stats.Conflicts, b.conflicts(spec)); err != nil {
		return stats, errors.Wrapf(err, "could not count divergent rows of %s", spec.Table)
	}

	if stats.Conflicts > 0 {
		cfg.lg.Warnf(
			"%d rows of %s keep divergent values in %s and %s",
			stats.Conflicts, spec.Table, spec.Left, spec.Right,
		)
	}

	cfg.lg.Successf(
		"reconciled %s: %d rows %s -> %s, %d rows %s -> %s",
		spec.Table, stats.Forward, spec.Left, spec.Right, stats.Backward, spec.Right, spec.Left,
	)

	return stats, nil
}

// Statements renders the unchunked reconciliation as data backfill statements
// of a migration unit
func Statements(d dialect.Name, spec Spec) ([]migration.Statement, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	b, err := newBuilder(d)
	if err != nil {
		return nil, err
	}

	return []migration.Statement{
		migration.Backfill(spec.Table, b.forward(spec, "")),
		migration.Backfill(spec.Table, b.backward(spec, "")),
	}, nil
}

func reconcileChunks(ctx context.Context, db *sqlx.DB, b builder, spec Spec, stats *Stats, lg logger.Logger) error {
	var last interface{}

	for {
		var keys []interface{}

		err := inTx(ctx, db, func(tx *sqlx.Tx) error {
			var err error
			keys, err = windowKeys(ctx, tx, b, spec, last)
			if err != nil || len(keys) == 0 {
				return err
			}

			window := fmt.Sprintf("%s >= ? AND %s <= ?", spec.Key, spec.Key)
			return reconcileWindow(ctx, tx, b, spec, window, []interface{}{keys[0], keys[len(keys)-1]}, stats, lg)
		})
		if err != nil {
			return err
		}

		if len(keys) < spec.ChunkSize {
			return nil
		}

		last = keys[len(keys)-1]
	}
}

func windowKeys(ctx context.Context, tx *sqlx.Tx, b builder, spec Spec, after interface{}) ([]interface{}, error) {
	var args []interface{}
	if after != nil {
		args = append(args, after)
	}

	rows, err := tx.QueryContext(ctx, tx.Rebind(b.keys(spec, after != nil)), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not select keys of %s", spec.Table)
	}
	defer rows.Close()

	var keys []interface{}
	for rows.Next() {
		var k interface{}
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, rows.Err()
}

func reconcileWindow(
	ctx context.Context,
	tx *sqlx.Tx,
	b builder,
	spec Spec,
	window string,
	args []interface{},
	stats *Stats,
	lg logger.Logger,
) error {
	forward, err := exec(ctx, tx, b.forward(spec, window), args, lg)
	if err != nil {
		return errors.Wrapf(err, "could not copy %s into %s", spec.Left, spec.Right)
	}

	backward, err := exec(ctx, tx, b.backward(spec, window), args, lg)
	if err != nil {
		return errors.Wrapf(err, "could not copy %s into %s", spec.Right, spec.Left)
	}

	stats.Forward += forward
	stats.Backward += backward

	return nil
}

func exec(ctx context.Context, tx *sqlx.Tx, query string, args []interface{}, lg logger.Logger) (int64, error) {
	query = tx.Rebind(query)
	lg.SQL(query, args...)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func inTx(ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not start transaction")
	}

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(err, " : ROLLBACK : "+rbErr.Error())
		}

		return err
	}

	return errors.Wrap(tx.Commit(), "could not commit")
}
