package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresStore opens a Postgres-backed Store for multi-gateway or
// fleet deployments sharing one database.
func NewPostgresStore(cfg Config) (Store, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres database: %w", err)
	}

	return newSQLStore(db, dollarPlaceholder, false)
}
