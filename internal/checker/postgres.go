package checker

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazz-dev/healthgate/internal/config"
)

// PostgresDB is the subset of *pgxpool.Pool the postgres checker uses.
type PostgresDB interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// postgresChecker reports up when the database accepts a connection and,
// if configured, runs Query without error. The pool is created once and
// connects lazily, so a database that is down at startup is a check failure
// rather than a construction error.
type postgresChecker struct {
	probe config.Probe
	db    PostgresDB
	close func()
}

func newPostgresChecker(p config.Probe) (*postgresChecker, error) {
	poolCfg, err := pgxpool.ParseConfig(p.Target)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 1
	poolCfg.MinConns = 0
	if p.Timeout.Duration > 0 {
		poolCfg.ConnConfig.ConnectTimeout = p.Timeout.Duration
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return &postgresChecker{probe: p, db: pool, close: pool.Close}, nil
}

// NewPostgresCheckerWithDB creates a postgres checker with a custom DB (for testing).
func NewPostgresCheckerWithDB(p config.Probe, db PostgresDB) Checker {
	return &postgresChecker{probe: p, db: db}
}

func (c *postgresChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		ProbeName: c.probe.Name,
		CheckedAt: start,
	}

	if err := c.db.Ping(ctx); err != nil {
		result.ResponseTime = time.Since(start)
		result.Status = StatusDown
		result.Error = fmt.Sprintf("postgres ping: %v", err)
		return result
	}

	if c.probe.Query != "" {
		if _, err := c.db.Exec(ctx, c.probe.Query); err != nil {
			result.ResponseTime = time.Since(start)
			result.Status = StatusDown
			result.Error = fmt.Sprintf("postgres query: %v", err)
			return result
		}
	}

	result.ResponseTime = time.Since(start)
	result.Status = StatusUp
	return result
}

// Close releases the connection pool.
func (c *postgresChecker) Close() {
	if c.close != nil {
		c.close()
	}
}
