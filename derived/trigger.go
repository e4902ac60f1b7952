package derived

import (
	"fmt"
	"strings"

	"github.com/denismitr/keel/dialect"
	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
)

// TriggerName is the name of the native trigger maintaining the touch on table
func TriggerName(table string, t Touch) string {
	return fmt.Sprintf("%s_touch_%s_%s", table, t.Parent, t.Field)
}

// TouchTrigger renders the native trigger equivalent of a Touch hook on table
// as guarded migration statements. The database sets the timestamp itself,
// the hook clock is not used.
func TouchTrigger(d dialect.Name, table string, t Touch) ([]migration.Statement, error) {
	if err := validIdentifiers(table); err != nil {
		return nil, err
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	name := TriggerName(table, t)

	switch d {
	case dialect.Postgres:
		fn := name + "_fn"

		return []migration.Statement{
			migration.CreateFunction(fn, fmt.Sprintf(
				`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
	IF NEW.%s IS NOT NULL THEN
		UPDATE %s SET %s = now() WHERE %s = NEW.%s;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
				fn, t.ForeignKey, t.Parent, t.Field, t.ParentKey, t.ForeignKey,
			)),
			migration.CreateTrigger(table, name, fmt.Sprintf(
				"CREATE TRIGGER %s AFTER INSERT OR UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
				name, table, fn,
			)),
		}, nil
	case dialect.SQLite:
		var statements []migration.Statement
		for _, event := range []string{"INSERT", "UPDATE"} {
			trigger := fmt.Sprintf("%s_%s", name, strings.ToLower(event))
			statements = append(statements, migration.CreateTrigger(table, trigger, fmt.Sprintf(
				`CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW WHEN NEW.%s IS NOT NULL
BEGIN
	UPDATE %s SET %s = CURRENT_TIMESTAMP WHERE %s = NEW.%s;
END`,
				trigger, event, table, t.ForeignKey, t.Parent, t.Field, t.ParentKey, t.ForeignKey,
			)))
		}

		return statements, nil
	case dialect.MySQL:
		var statements []migration.Statement
		for _, event := range []string{"INSERT", "UPDATE"} {
			trigger := fmt.Sprintf("%s_%s", name, strings.ToLower(event))
			// a null reference matches no parent row
			statements = append(statements, migration.CreateTrigger(table, trigger, fmt.Sprintf(
				"CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW UPDATE %s SET %s = CURRENT_TIMESTAMP WHERE %s = NEW.%s",
				trigger, event, table, t.Parent, t.Field, t.ParentKey, t.ForeignKey,
			)))
		}

		return statements, nil
	default:
		return nil, errors.Wrapf(dialect.ErrUnknownDialect, "[%s]", d)
	}
}
