// Package database はクライアントストレージ（client_storageテーブル）のPostgreSQLスキーマを管理する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationsFS はclient_storageテーブルのスキーマ定義。
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema は前回のマイグレーションが途中で失敗し、手動での修復が必要な状態を表す。
var ErrDirtySchema = errors.New("client_storage schema is dirty")

// NewMigrator はclient_storageスキーマ用のmigrateインスタンスを生成する。
// databaseURLはSTORAGE_URLに指定されたPostgreSQLの接続URL。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load client_storage migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_storage migrator: %w", err)
	}

	return m, nil
}

// MigrateClientStorage はclient_storageスキーマを最新にし、適用後のバージョンを返す。
// すでに最新の場合もエラーにはならない。dirtyな状態ではErrDirtySchemaを返し、何も適用しない。
func MigrateClientStorage(databaseURL string) (uint, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("failed to read client_storage schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("version %d: %w", version, ErrDirtySchema)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to migrate client_storage: %w", err)
	}

	version, _, err = m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read client_storage schema version: %w", err)
	}
	return version, nil
}
