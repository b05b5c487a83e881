package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// NewMySQLStore opens a MySQL/MariaDB-backed Store, grounded on the
// same entity schema as the SQLite and Postgres backends.
func NewMySQLStore(cfg Config) (Store, error) {
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open mysql database: %w", err)
	}

	return newSQLStore(db, questionPlaceholder, true)
}
