package backfill

import (
	"fmt"
	"strings"

	"github.com/denismitr/keel/dialect"
	"github.com/pkg/errors"
)

// builder renders the field expressions of one dialect. JSON keys are
// expected in jsonb columns on postgres and JSON or text columns elsewhere.
type builder struct {
	d dialect.Name
}

func newBuilder(d dialect.Name) (builder, error) {
	if !d.Valid() {
		return builder{}, errors.Wrapf(dialect.ErrUnknownDialect, "[%s]", d)
	}

	return builder{d: d}, nil
}

// absent is true for SQL NULL, a missing JSON key and a JSON null
func (b builder) absent(f Field) string {
	if !f.IsJSON() {
		return f.Column + " IS NULL"
	}

	switch b.d {
	case dialect.Postgres:
		return fmt.Sprintf("coalesce(jsonb_typeof(%s -> '%s'), 'null') = 'null'", f.Column, f.Key)
	case dialect.MySQL:
		return fmt.Sprintf("coalesce(json_type(json_extract(%s, '$.%s')), 'NULL') = 'NULL'", f.Column, f.Key)
	default:
		return fmt.Sprintf("coalesce(json_type(%s, '$.%s'), 'null') = 'null'", f.Column, f.Key)
	}
}

func (b builder) present(f Field) string {
	return "NOT (" + b.absent(f) + ")"
}

// value reads src in the form dst stores it
func (b builder) value(dst, src Field) string {
	switch {
	case src.IsJSON() && dst.IsJSON():
		switch b.d {
		case dialect.Postgres:
			return fmt.Sprintf("%s -> '%s'", src.Column, src.Key)
		default:
			return fmt.Sprintf("json_extract(%s, '$.%s')", src.Column, src.Key)
		}
	case src.IsJSON():
		switch b.d {
		case dialect.Postgres:
			return fmt.Sprintf("%s ->> '%s'", src.Column, src.Key)
		case dialect.MySQL:
			return fmt.Sprintf("json_unquote(json_extract(%s, '$.%s'))", src.Column, src.Key)
		default:
			return fmt.Sprintf("json_extract(%s, '$.%s')", src.Column, src.Key)
		}
	case dst.IsJSON() && b.d == dialect.Postgres:
		return fmt.Sprintf("to_jsonb(%s)", src.Column)
	default:
		return src.Column
	}
}

// assign renders the SET clause copying src into dst
func (b builder) assign(dst, src Field) string {
	v := b.value(dst, src)

	if !dst.IsJSON() {
		return fmt.Sprintf("%s = %s", dst.Column, v)
	}

	switch b.d {
	case dialect.Postgres:
		return fmt.Sprintf("%s = jsonb_set(coalesce(%s, '{}'::jsonb), '{%s}', %s)", dst.Column, dst.Column, dst.Key, v)
	case dialect.MySQL:
		return fmt.Sprintf("%s = json_set(coalesce(%s, json_object()), '$.%s', %s)", dst.Column, dst.Column, dst.Key, v)
	default:
		return fmt.Sprintf("%s = json_set(coalesce(%s, '{}'), '$.%s', %s)", dst.Column, dst.Column, dst.Key, v)
	}
}

// text renders the field as text, used to tell divergent values apart
func (b builder) text(f Field) string {
	switch b.d {
	case dialect.Postgres:
		if f.IsJSON() {
			return fmt.Sprintf("(%s ->> '%s')", f.Column, f.Key)
		}
		return f.Column + "::text"
	case dialect.MySQL:
		if f.IsJSON() {
			return fmt.Sprintf("json_unquote(json_extract(%s, '$.%s'))", f.Column, f.Key)
		}
		return fmt.Sprintf("CAST(%s AS CHAR)", f.Column)
	default:
		if f.IsJSON() {
			return fmt.Sprintf("CAST(json_extract(%s, '$.%s') AS TEXT)", f.Column, f.Key)
		}
		return fmt.Sprintf("CAST(%s AS TEXT)", f.Column)
	}
}

func (b builder) forward(s Spec, window string) string {
	return fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s",
		s.Table, b.assign(s.Right, s.Left), where(s.Filter, window, b.absent(s.Right), b.present(s.Left)),
	)
}

func (b builder) backward(s Spec, window string) string {
	return fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s",
		s.Table, b.assign(s.Left, s.Right), where(s.Filter, window, b.absent(s.Left), b.present(s.Right)),
	)
}

func (b builder) conflicts(s Spec) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s",
		s.Table,
		where(s.Filter, "", b.present(s.Left), b.present(s.Right), b.text(s.Left)+" <> "+b.text(s.Right)),
	)
}

// keys selects the next window of primary keys, after adds a lower bound
func (b builder) keys(s Spec, after bool) string {
	bound := ""
	if after {
		bound = s.Key + " > ?"
	}

	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %d",
		s.Key, s.Table, where(s.Filter, bound), s.Key, s.ChunkSize,
	)
}

func where(predicates ...string) string {
	var parts []string
	for _, p := range predicates {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, "("+p+")")
		}
	}

	if len(parts) == 0 {
		return "1 = 1"
	}

	return strings.Join(parts, " AND ")
}
