package mysql

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/denismitr/keel/internal/database"
	"github.com/pkg/errors"
)

const DefaultLockKey = "keel_migrations"

// DefaultLockSeconds of zero waits for the lock until the context is done
const DefaultLockSeconds = 0

var ErrLockNotGranted = errors.New("mysql lock was not granted")

type Options struct {
	database.CommonOptions
	LockKey string
	LockFor int // seconds, 0 waits until ctx is done
	NoLock  bool
	Charset string
}

type Locker struct {
	lockKey string
	lockFor int
	noLock  bool
}

var _ database.Locker = (*Locker)(nil)

func NewLocker(lockKey string, lockFor int, noLock bool) *Locker {
	if lockKey == "" {
		lockKey = DefaultLockKey
	}

	if lockFor < 0 {
		lockFor = DefaultLockSeconds
	}

	return &Locker{lockKey: lockKey, lockFor: lockFor, noLock: noLock}
}

// Lock waits for a named lock, GET_LOCK yields 0 on timeout
func (l *Locker) Lock(ctx context.Context, q database.CtxQuerier) error {
	if l.noLock {
		return nil
	}

	timeout := l.timeout(ctx)

	var granted sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", l.lockKey, timeout).Scan(&granted); err != nil {
		return errors.Wrapf(err, "could not obtain [%s] exclusive MySQL DB lock for [%d] seconds", l.lockKey, timeout)
	}

	if !granted.Valid || granted.Int64 != 1 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "[%s] lock was not granted", l.lockKey)
		}

		return errors.Wrapf(ErrLockNotGranted, "[%s] within [%d] seconds", l.lockKey, timeout)
	}

	return nil
}

func (l *Locker) Unlock(ctx context.Context, q database.CtxQuerier) error {
	if l.noLock {
		return nil
	}

	if _, err := q.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", l.lockKey); err != nil {
		return errors.Wrapf(err, "could not release [%s] exclusive MySQL DB lock", l.lockKey)
	}

	return nil
}

// timeout is the GET_LOCK argument: the configured seconds, else what is left
// of the ctx deadline, else a negative value which waits forever
func (l *Locker) timeout(ctx context.Context) int {
	if l.lockFor > 0 {
		return l.lockFor
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		return -1
	}

	secs := int(math.Ceil(time.Until(deadline).Seconds()))
	if secs < 1 {
		return 1
	}

	return secs
}
