package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Postgres はPostgreSQLのclient_storageテーブルに値を保存するストレージ。
// テーブルはdatabase.MigrateClientStorageで作成する。
type Postgres struct {
	db    *sql.DB
	owned bool
}

// NewPostgres はPostgresを生成する。
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Get はキーの値を返す。
func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM client_storage WHERE key = $1`,
		key,
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get storage value: %w", err)
	}
	return value, true, nil
}

// Set はキーに値を保存する。既存の値は上書きする。
func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO client_storage (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set storage value: %w", err)
	}
	return nil
}

// Remove はキーを削除する。
func (p *Postgres) Remove(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM client_storage WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to remove storage value: %w", err)
	}
	return nil
}

// PingContext はDB接続を確認する。
func (p *Postgres) PingContext(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close はOpenで開いた接続であれば閉じる。
func (p *Postgres) Close() error {
	if !p.owned {
		return nil
	}
	return p.db.Close()
}

// compile-time interface check
var _ Backend = (*Postgres)(nil)
