package derived

import (
	"context"
	"database/sql"
	"time"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/internal/logger"
	"github.com/denismitr/keel/internal/retry"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var ErrTxDeadlock = errors.New("transaction deadlock occurred")

const (
	DefaultDeadlockAttempts = 3
	DefaultRetryStep        = 50 * time.Millisecond
)

// TxConfig - configures tx
type TxConfig struct {
	Iso      sql.IsolationLevel
	ReadOnly bool
}

type TxConfigFunc func(*TxConfig)

// ISO - isolation level type
type ISO int

const (
	Serializable ISO = iota
	RepeatableRead
	ReadCommitted
	DriverDefault
)

// Isolation tx config function
func Isolation(iso ISO) TxConfigFunc {
	return func(txCfg *TxConfig) {
		switch iso {
		case Serializable:
			txCfg.Iso = sql.LevelSerializable
		case RepeatableRead:
			txCfg.Iso = sql.LevelRepeatableRead
		case ReadCommitted:
			txCfg.Iso = sql.LevelReadCommitted
		case DriverDefault:
			txCfg.Iso = sql.LevelDefault
		}
	}
}

type TxCallback func(context.Context, *sqlx.Tx) error

type StoreOption func(*Store)

// WithDeadlockAttempts sets how many times in total a transaction that keeps
// losing deadlocks is attempted, one disables retries
func WithDeadlockAttempts(attempts int, step time.Duration) StoreOption {
	return func(s *Store) {
		s.attempts = attempts
		s.retryStep = step
	}
}

func WithLogger(lg logger.Logger) StoreOption {
	return func(s *Store) {
		s.lg = lg
	}
}

// Store runs callbacks in transactions. Derived field hooks registered on a
// Table are executed with the same transaction as the write that triggered them.
type Store struct {
	db        *sqlx.DB
	dialect   dialect.Name
	lg        logger.Logger
	attempts  int
	retryStep time.Duration
}

func NewStore(db *sqlx.DB, opts ...StoreOption) (*Store, error) {
	d, err := dialect.Parse(db.DriverName())
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:        db,
		dialect:   d,
		lg:        logger.NullLogger{},
		attempts:  DefaultDeadlockAttempts,
		retryStep: DefaultRetryStep,
	}

	for _, o := range opts {
		o(s)
	}

	return s, nil
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Dialect() dialect.Name {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ReadOnly(ctx context.Context, cb TxCallback, cfn ...TxConfigFunc) error {
	txCfg := s.defaultConfig(sql.LevelRepeatableRead)
	txCfg.ReadOnly = true

	for _, fn := range cfn {
		fn(&txCfg)
	}

	return s.run(ctx, cb, txCfg)
}

func (s *Store) ReadWrite(ctx context.Context, cb TxCallback, cfn ...TxConfigFunc) error {
	txCfg := s.defaultConfig(sql.LevelSerializable)

	for _, fn := range cfn {
		fn(&txCfg)
	}

	return s.run(ctx, cb, txCfg)
}

// sqlite transactions are always serializable, the driver takes no level
func (s *Store) defaultConfig(iso sql.IsolationLevel) TxConfig {
	if s.dialect == dialect.SQLite {
		iso = sql.LevelDefault
	}

	return TxConfig{Iso: iso}
}

func (s *Store) run(ctx context.Context, cb TxCallback, txCfg TxConfig) error {
	return retry.Incremental(ctx, s.retryStep, s.attempts, func(attempt int) error {
		err := s.isolate(ctx, cb, txCfg)
		if errors.Is(err, ErrTxDeadlock) {
			s.lg.Warnf("attempt %d: %s", attempt, err)
			return retry.Error(err, attempt)
		}

		return err
	})
}

func (s *Store) isolate(ctx context.Context, cb TxCallback, txCfg TxConfig) error {
	txx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: txCfg.ReadOnly, Isolation: txCfg.Iso})
	if err != nil {
		if s.dialect.IsDeadlock(err) {
			return errors.Wrapf(ErrTxDeadlock, "on begin: %s", err.Error())
		}

		return errors.Wrapf(
			err,
			"could not start transaction. read-only: %v, isolation: %d",
			txCfg.ReadOnly, txCfg.Iso,
		)
	}

	if err := cb(ctx, txx); err != nil {
		if s.dialect.IsDeadlock(err) {
			err = errors.Wrapf(
				ErrTxDeadlock,
				"read-only: %v, isolation: %d, on callback: %s",
				txCfg.ReadOnly, txCfg.Iso, err.Error(),
			)
		}

		if rbErr := txx.Rollback(); rbErr != nil {
			return errors.Wrap(err, " : ROLLBACK : "+rbErr.Error())
		}

		return err
	}

	if err := txx.Commit(); err != nil {
		if s.dialect.IsDeadlock(err) {
			return errors.Wrapf(
				ErrTxDeadlock,
				"read-only: %v, isolation: %d, on commit: %s",
				txCfg.ReadOnly, txCfg.Iso, err.Error(),
			)
		}

		return errors.Wrapf(
			err,
			"could not commit transaction. read-only: %v, isolation: %d",
			txCfg.ReadOnly, txCfg.Iso,
		)
	}

	return nil
}
