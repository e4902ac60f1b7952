package sqlgateway

import (
	"context"

	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/migration"
)

// Exists checks the catalog for the object a statement would create
func (g *SQLGateway) Exists(ctx context.Context, kind migration.Kind, target migration.Object) (bool, error) {
	conn, err := g.connector.Connect(ctx)
	if err != nil {
		return false, err
	}

	return g.exists(ctx, conn, kind, target)
}

// exists fails only with *migration.GuardEvaluationError
func (g *SQLGateway) exists(ctx context.Context, q database.CtxQuerier, kind migration.Kind, target migration.Object) (bool, error) {
	query, args, err := g.dialect.ExistsQuery(kind, target)
	if err != nil {
		return false, &migration.GuardEvaluationError{Kind: kind, Target: target, Cause: err}
	}

	g.lg.SQL(query, args...)

	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, &migration.GuardEvaluationError{Kind: kind, Target: target, Cause: err}
	}

	return count > 0, nil
}
