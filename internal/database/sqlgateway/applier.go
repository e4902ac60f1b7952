package sqlgateway

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
)

func (g *SQLGateway) apply(ctx context.Context, conn *sql.Conn, u *migration.Unit, dryRun bool) (migration.Result, error) {
	if dryRun {
		// a missing state table means nothing is applied yet
		if applied, err := g.isApplied(ctx, conn, u.ID); err == nil && applied {
			return migration.Result{Unit: u, Outcome: migration.Skipped}, nil
		}

		return g.plan(ctx, conn, u), nil
	}

	if g.dialect.Name().TransactionalDDL() && !u.NoTransaction {
		return g.applyInTx(ctx, conn, u)
	}

	return g.applyDirect(ctx, conn, u)
}

// applyInTx claims the id first, a runner that lost the race never
// executes a statement of the unit
func (g *SQLGateway) applyInTx(ctx context.Context, conn *sql.Conn, u *migration.Unit) (migration.Result, error) {
	result := migration.Result{Unit: u}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return g.fail(result, -1, migration.Statement{}, errors.Wrap(err, "could not start transaction"))
	}

	rollback := func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			g.lg.Error(errors.Wrapf(rbErr, "could not roll back migration [%s]", u.ID))
		}
	}

	if err := g.record(ctx, tx, u); err != nil {
		rollback()

		if errors.Is(err, migration.ErrStateConflict) {
			result.Outcome = migration.Skipped
			return result, nil
		}

		return g.fail(result, -1, migration.Statement{}, err)
	}

	for i, st := range u.Statements {
		outcome, err := g.execStatement(ctx, tx, i, st, true)
		if err != nil {
			rollback()
			return g.fail(result, i, st, err)
		}

		result.Statements = append(result.Statements, migration.StatementResult{Index: i, Statement: st, Outcome: outcome})
	}

	if err := tx.Commit(); err != nil {
		rollback()

		if g.dialect.IsUniqueViolation(err) {
			result.Statements = nil
			result.Outcome = migration.Skipped
			return result, nil
		}

		return g.fail(result, -1, migration.Statement{}, errors.Wrap(err, "could not commit"))
	}

	result.Outcome = migration.Applied

	return result, nil
}

// applyDirect is used where DDL commits implicitly, statements already executed
// stay in place when a later one fails
func (g *SQLGateway) applyDirect(ctx context.Context, conn *sql.Conn, u *migration.Unit) (migration.Result, error) {
	result := migration.Result{Unit: u}

	applied, err := g.isApplied(ctx, conn, u.ID)
	if err != nil {
		return g.fail(result, -1, migration.Statement{}, err)
	}

	if applied {
		result.Outcome = migration.Skipped
		return result, nil
	}

	for i, st := range u.Statements {
		outcome, err := g.execStatement(ctx, conn, i, st, false)
		if err != nil {
			return g.fail(result, i, st, err)
		}

		result.Statements = append(result.Statements, migration.StatementResult{Index: i, Statement: st, Outcome: outcome})
	}

	if err := g.record(ctx, conn, u); err != nil {
		if errors.Is(err, migration.ErrStateConflict) {
			g.lg.Warnf("migration [%s] %s was recorded concurrently", u.ID, u.Name)
			result.Outcome = migration.Skipped
			return result, nil
		}

		return g.fail(result, -1, migration.Statement{}, err)
	}

	result.Outcome = migration.Applied

	return result, nil
}

// plan evaluates guards without executing or recording anything
func (g *SQLGateway) plan(ctx context.Context, q database.CtxQuerier, u *migration.Unit) migration.Result {
	result := migration.Result{Unit: u, Outcome: migration.DryRun}

	for i, st := range u.Statements {
		outcome := migration.Planned

		if st.Guard && st.Kind.Guardable() {
			exists, err := g.exists(ctx, q, st.Kind, st.Target)
			if err != nil {
				g.lg.Warnf("%s", err)
			} else if exists {
				outcome = migration.GuardSkipped
			}
		}

		result.Statements = append(result.Statements, migration.StatementResult{Index: i, Statement: st, Outcome: outcome})
	}

	return result
}

// execStatement runs one statement. Guarded statements are skipped when their
// target exists and tolerate an already exists error from the store. Inside a
// transaction the guarded work is wrapped in a savepoint so a failed catalog
// query or a benign error does not abort the whole transaction.
func (g *SQLGateway) execStatement(
	ctx context.Context,
	q database.CtxQuerier,
	index int,
	st migration.Statement,
	inTx bool,
) (migration.StatementOutcome, error) {
	if !st.Guard || !st.Kind.Guardable() {
		g.lg.SQL(st.Body)

		if _, err := q.ExecContext(ctx, st.Body); err != nil {
			return "", err
		}

		return migration.Executed, nil
	}

	sp := savepoint{q: q, name: fmt.Sprintf("keel_stmt_%d", index), enabled: inTx}
	if err := sp.begin(ctx); err != nil {
		return "", err
	}

	exists, err := g.exists(ctx, q, st.Kind, st.Target)
	if err != nil {
		g.lg.Warnf("%s, executing with already exists tolerance", err)

		if err := sp.rollback(ctx); err != nil {
			return "", err
		}
	} else if exists {
		g.lg.Debugf("%s [%s] already exists, skipping", st.Kind, st.Target)
		return migration.GuardSkipped, sp.release(ctx)
	}

	g.lg.SQL(st.Body)

	if _, err := q.ExecContext(ctx, st.Body); err != nil {
		if !g.dialect.IsAlreadyExists(err) {
			return "", err
		}

		g.lg.Debugf("%s [%s] appeared concurrently: %v", st.Kind, st.Target, err)

		if err := sp.rollback(ctx); err != nil {
			return "", err
		}

		return migration.Absorbed, sp.release(ctx)
	}

	return migration.Executed, sp.release(ctx)
}

func (g *SQLGateway) fail(
	result migration.Result,
	index int,
	st migration.Statement,
	cause error,
) (migration.Result, error) {
	err := &migration.ApplyError{
		UnitID:    result.Unit.ID,
		UnitName:  result.Unit.Name,
		Index:     index,
		Statement: st,
		Cause:     cause,
	}

	g.lg.Error(err)

	result.Outcome = migration.Failed
	result.Err = err

	return result, err
}

type savepoint struct {
	q       database.CtxExecutor
	name    string
	enabled bool
}

func (s savepoint) begin(ctx context.Context) error {
	return s.exec(ctx, "SAVEPOINT "+s.name)
}

func (s savepoint) rollback(ctx context.Context) error {
	return s.exec(ctx, "ROLLBACK TO SAVEPOINT "+s.name)
}

func (s savepoint) release(ctx context.Context) error {
	return s.exec(ctx, "RELEASE SAVEPOINT "+s.name)
}

func (s savepoint) exec(ctx context.Context, q string) error {
	if !s.enabled {
		return nil
	}

	if _, err := s.q.ExecContext(ctx, q); err != nil {
		return errors.Wrapf(err, "%s failed", q)
	}

	return nil
}
