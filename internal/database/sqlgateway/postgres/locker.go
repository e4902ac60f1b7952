package postgres

import (
	"context"

	"github.com/denismitr/keel/internal/database"
	"github.com/pkg/errors"
)

const DefaultLockKey int64 = 99887766

type Options struct {
	database.CommonOptions
	LockKey int64
	NoLock  bool
}

type Locker struct {
	lockKey int64
	noLock  bool
}

var _ database.Locker = (*Locker)(nil)

func NewLocker(lockKey int64, noLock bool) *Locker {
	if lockKey == 0 {
		lockKey = DefaultLockKey
	}

	return &Locker{lockKey: lockKey, noLock: noLock}
}

// Lock blocks on a session level advisory lock until it is granted or ctx is done
func (l *Locker) Lock(ctx context.Context, ex database.CtxQuerier) error {
	if l.noLock {
		return nil
	}

	if _, err := ex.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockKey); err != nil {
		return errors.Wrapf(err, "could not obtain [%d] postgres advisory lock", l.lockKey)
	}

	return nil
}

func (l *Locker) Unlock(ctx context.Context, ex database.CtxQuerier) error {
	if l.noLock {
		return nil
	}

	if _, err := ex.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockKey); err != nil {
		return errors.Wrapf(err, "could not release [%d] postgres advisory lock", l.lockKey)
	}

	return nil
}
