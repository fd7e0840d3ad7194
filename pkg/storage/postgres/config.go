package postgres

import "time"

// Config holds PostgreSQL connection and behavior settings.
type Config struct {
	// DSN is the PostgreSQL connection string (e.g., "postgres://gateway:pass@db:5432/gateway?sslmode=require").
	DSN string

	// MaxConns is the maximum number of pooled connections (default: 10).
	// Every authorization makes several short queries, so the pool should
	// cover the expected request concurrency.
	MaxConns int32

	// MinConns is the number of idle connections kept warm (default: 2).
	MinConns int32

	// MaxConnLifetime recycles connections after this age (default: 30 minutes).
	MaxConnLifetime time.Duration

	// MigrateOnStart applies embedded schema migrations at startup.
	MigrateOnStart bool
}

func (c *Config) applyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
}
