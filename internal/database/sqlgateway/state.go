package sqlgateway

import (
	"context"
	"database/sql"
	"sort"

	"github.com/denismitr/keel/internal/database"
	"github.com/denismitr/keel/migration"
	"github.com/pkg/errors"
)

// Init creates the state table when it is missing
func (g *SQLGateway) Init(ctx context.Context) error {
	conn, err := g.connector.Connect(ctx)
	if err != nil {
		return err
	}

	return g.create(ctx, conn)
}

// Records returns all application records ordered by id
func (g *SQLGateway) Records(ctx context.Context) ([]migration.Record, error) {
	conn, err := g.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}

	return g.readRecords(ctx, conn, true)
}

func (g *SQLGateway) IsApplied(ctx context.Context, id string) (bool, error) {
	conn, err := g.connector.Connect(ctx)
	if err != nil {
		return false, err
	}

	return g.isApplied(ctx, conn, id)
}

func (g *SQLGateway) DropMigrationsTable(ctx context.Context) error {
	conn, err := g.connector.Connect(ctx)
	if err != nil {
		return err
	}

	q := g.dialect.DropQuery()
	g.lg.SQL(q)

	if _, err := conn.ExecContext(ctx, q); err != nil {
		return errors.Wrapf(err, "could not drop [%s] table", g.migrationsTable)
	}

	return nil
}

func (g *SQLGateway) ShowTables(ctx context.Context) ([]string, error) {
	conn, err := g.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, g.dialect.ShowTablesQuery())
	if err != nil {
		return nil, errors.Wrap(err, "could not list all tables")
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			g.lg.Error(closeErr)
		}
	}()

	var result []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return result, errors.Wrap(err, "could not scan table name")
		}

		result = append(result, table)
	}

	if err := rows.Err(); err != nil {
		return result, errors.Wrap(err, "show tables iteration failed")
	}

	return result, nil
}

func (g *SQLGateway) create(ctx context.Context, ex database.CtxExecutor) error {
	q := g.dialect.InitQuery()
	g.lg.SQL(q)

	if _, err := ex.ExecContext(ctx, q); err != nil {
		return errors.Wrapf(err, "could not create [%s] table", g.migrationsTable)
	}

	return nil
}

// readRecords reads the state table, when missingIsEmpty is set an absent
// table is reported as no records instead of an error
func (g *SQLGateway) readRecords(ctx context.Context, q database.CtxQuerier, missingIsEmpty bool) ([]migration.Record, error) {
	if missingIsEmpty {
		exists, err := g.exists(ctx, q, migration.CreateTableKind, migration.Object{
			Table: g.migrationsTable,
			Name:  g.migrationsTable,
		})

		if err == nil && !exists {
			return nil, nil
		}
	}

	query, err := g.dialect.ReadRecordsQuery(database.ReadRecordsFilter{Sort: database.ASC})
	if err != nil {
		return nil, err
	}

	g.lg.SQL(query)

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read records from [%s]", g.migrationsTable)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			g.lg.Error(closeErr)
		}
	}()

	var result []migration.Record
	for rows.Next() {
		var id string
		var name sql.NullString
		var appliedAt sql.NullTime
		if err := rows.Scan(&id, &name, &appliedAt); err != nil {
			return nil, errors.Wrap(err, "could not scan migration record")
		}

		result = append(result, migration.Record{ID: id, Name: name.String, AppliedAt: appliedAt.Time})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read migration records iteration failed")
	}

	sort.SliceStable(result, func(i, j int) bool {
		return migration.CompareIDs(result[i].ID, result[j].ID) < 0
	})

	return result, nil
}

func (g *SQLGateway) isApplied(ctx context.Context, q database.CtxQuerier, id string) (bool, error) {
	query, args := g.dialect.IsAppliedQuery(id)
	g.lg.SQL(query, args...)

	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, errors.Wrapf(err, "could not check whether [%s] is applied", id)
	}

	return count > 0, nil
}

// record inserts the application record, ErrStateConflict is returned when
// the id is already taken
func (g *SQLGateway) record(ctx context.Context, ex database.CtxExecutor, u *migration.Unit) error {
	query, args, err := g.dialect.InsertQuery(u.ID, u.Name, g.clock())
	if err != nil {
		return err
	}

	g.lg.SQL(query, args...)

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		if g.dialect.IsUniqueViolation(err) {
			return errors.Wrapf(migration.ErrStateConflict, "[%s] %s", u.ID, u.Name)
		}

		return errors.Wrapf(err, "could not record migration [%s] %s", u.ID, u.Name)
	}

	return nil
}
