package sqlgateway

import (
	"context"

	"github.com/denismitr/keel/internal/database"
)

// nullLocker is used where the store serializes writers itself (sqlite)
// or when locking was switched off
type nullLocker struct{}

var _ database.Locker = nullLocker{}

func (nullLocker) Lock(context.Context, database.CtxQuerier) error {
	return nil
}

func (nullLocker) Unlock(context.Context, database.CtxQuerier) error {
	return nil
}
