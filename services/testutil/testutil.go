package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "finai"),
		getEnv("POSTGRES_PASSWORD", "finai"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "finance"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// SeedUser inserts a user with every permission granted and one asset.
func SeedUser(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	queries := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO users (user_id, name, credit_score, epf_balance) VALUES ($1, 'Test', 700, 1000)`, []any{userID}},
		{`INSERT INTO assets (user_id, name, type, value) VALUES ($1, 'Savings', 'cash', 500)`, []any{userID}},
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q.sql, q.args...); err != nil {
			return fmt.Errorf("seed %q: %w", q.sql, err)
		}
	}
	return nil
}

// CleanupTestData removes the rows of the given users from every table.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool, userIDs ...string) error {
	tables := []string{"transactions", "assets", "liabilities", "investments", "users"}
	for _, id := range userIDs {
		for _, table := range tables {
			q := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", table)
			if _, err := pool.Exec(ctx, q, id); err != nil {
				return fmt.Errorf("cleanup %s: %w", table, err)
			}
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
