package settings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maqeel75/semcache/pkg/models"
)

const createConfigTable = `
CREATE TABLE IF NOT EXISTS cache_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLitePersister keeps settings in a SQLite table.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLite opens the settings database and runs auto-migration.
func NewSQLite(dbPath string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createConfigTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate settings db: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// LoadAll returns every persisted key.
func (p *SQLitePersister) LoadAll(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM cache_config`)
	if err != nil {
		return nil, models.StorageError("load settings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, models.StorageError("scan setting", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("load settings", err)
	}
	return out, nil
}

// Save upserts one key.
func (p *SQLitePersister) Save(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO cache_config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return models.StorageError("save setting", err)
	}
	return nil
}

// Close releases the database connection.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
