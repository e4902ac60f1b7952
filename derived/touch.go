package derived

import (
	"context"
	"fmt"
	"time"

	"github.com/denismitr/keel/migration"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Touch sets a timestamp on the parent row referenced by the written row,
// e.g. devices.last_activity whenever a frame of the device is written.
// A row with a null reference leaves every parent untouched.
type Touch struct {
	Parent     string
	ParentKey  string
	Field      string
	ForeignKey string
	Clock      migration.ClockFunc
}

var _ Hook = Touch{}

func (t Touch) Validate() error {
	return validIdentifiers(t.Parent, t.ParentKey, t.Field, t.ForeignKey)
}

func (t Touch) Run(ctx context.Context, tx *sqlx.Tx, _ string, row Row) error {
	ref, ok := row[t.ForeignKey]
	if !ok || ref == nil {
		return nil
	}

	now := time.Now
	if t.Clock != nil {
		now = t.Clock
	}

	query := tx.Rebind(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", t.Parent, t.Field, t.ParentKey))
	if _, err := tx.ExecContext(ctx, query, now().UTC(), ref); err != nil {
		return errors.Wrapf(err, "could not touch %s.%s of [%v]", t.Parent, t.Field, ref)
	}

	return nil
}
