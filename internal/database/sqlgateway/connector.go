package sqlgateway

import (
	"context"
	"database/sql"
	"time"

	"github.com/denismitr/keel/internal/retry"
	"github.com/pkg/errors"
)

const (
	DefaultConnectionAttempts    = 100
	DefaultConnectionTimeout     = 60 * time.Second
	DefaultConnectionAttemptStep = 2 * time.Second
)

type ConnectOptions struct {
	MaxAttempts int
	MaxTimeout  time.Duration
	RetryStep   time.Duration
}

func NewDefaultConnectOptions() *ConnectOptions {
	return &ConnectOptions{
		MaxAttempts: DefaultConnectionAttempts,
		MaxTimeout:  DefaultConnectionTimeout,
		RetryStep:   DefaultConnectionAttemptStep,
	}
}

type SQLConnector interface {
	Connect(ctx context.Context) (*sql.Conn, error)
	Timeout() time.Duration
	Close() error
}

// RetryingConnector pins a single connection, session level locks
// are only valid on the connection that took them
type RetryingConnector struct {
	options *ConnectOptions
	db      *sql.DB
	conn    *sql.Conn
}

var _ SQLConnector = (*RetryingConnector)(nil)

func MakeRetryingConnector(db *sql.DB, options *ConnectOptions) *RetryingConnector {
	if options == nil {
		options = NewDefaultConnectOptions()
	}

	return &RetryingConnector{db: db, options: options}
}

func (c *RetryingConnector) Timeout() time.Duration {
	return c.options.MaxTimeout
}

func (c *RetryingConnector) Connect(ctx context.Context) (*sql.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	if c.options.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.MaxTimeout)
		defer cancel()
	}

	var conn *sql.Conn
	err := retry.Incremental(ctx, c.options.RetryStep, c.options.MaxAttempts, func(attempt int) error {
		candidate, err := c.db.Conn(ctx)
		if err != nil {
			return retry.Error(errors.Wrap(err, "could not establish DB connection"), attempt)
		}

		if err := candidate.PingContext(ctx); err != nil {
			_ = candidate.Close()
			return retry.Error(errors.Wrap(err, "db ping failed"), attempt)
		}

		conn = candidate
		return nil
	})

	if err != nil {
		return nil, err
	}

	c.conn = conn

	return conn, nil
}

func (c *RetryingConnector) Close() error {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return errors.Wrap(err, "retrying connector could not close the connection")
		}

		c.conn = nil
	}

	return nil
}
