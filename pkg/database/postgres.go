package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"

	"github.com/privatedb/agent/pkg/config"
)

type postgresAdapter struct {
	db *sql.DB
}

func openPostgres(ctx context.Context, cfg *config.Config) (Adapter, error) {
	dsn, err := postgresDSN(cfg.DatabaseURL, cfg.PostgresSSL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open postgres: %w", err)
	}
	pool := cfg.PostgresMaxPool
	if pool <= 0 {
		pool = 10
	}
	db.SetMaxOpenConns(pool)
	db.SetMaxIdleConns(pool / 2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping postgres: %w", err)
	}
	if err := migrate(ctx, db, "postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &postgresAdapter{db: db}, nil
}

// postgresDSN applies the POSTGRES_SSL toggle when the URL does not already
// pin an sslmode.
func postgresDSN(raw string, ssl bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("database: parse DATABASE_URL: %w", err)
	}
	q := u.Query()
	if q.Get("sslmode") == "" {
		if ssl {
			q.Set("sslmode", "require")
		} else {
			q.Set("sslmode", "disable")
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (a *postgresAdapter) Dialect() string { return "postgres" }

func (a *postgresAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	// Read statements sent through Exec lose their rows; route on mode the
	// same way the sqlite adapter does so both dialects share one contract.
	r := req
	r.SQL = rebindIfNeeded(req.SQL)
	return execute(ctx, a.db, r)
}

func rebindIfNeeded(query string) string {
	if strings.ContainsRune(query, '?') {
		return Rebind("postgres", query)
	}
	return query
}

func (a *postgresAdapter) DB() *sql.DB { return a.db }

func (a *postgresAdapter) Close() error { return a.db.Close() }
