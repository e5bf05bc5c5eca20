// Package storage はセッショントークンを保存する永続ストレージの実装を提供する。
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/hitoshi/ticketfront/internal/database"
	"github.com/hitoshi/ticketfront/internal/session"
)

// Backend はsession.Storageに加えて、解放すべきリソースを持つストレージ。
type Backend interface {
	session.Storage
	// PingContext はストレージに到達できるかを確認する。
	PingContext(ctx context.Context) error
	Close() error
}

// Options はストレージを開く際のオプション。
type Options struct {
	// Passphrase が設定されている場合、ファイルストレージはageで暗号化する。
	Passphrase string
}

// Open はURLのスキームに応じたストレージを開く。
//
//	memory:                   プロセス内のみ
//	file:///path/to/file.json JSONファイル
//	postgres://...            PostgreSQLのclient_storageテーブル
func Open(rawURL string, opts Options) (Backend, error) {
	scheme, _, found := strings.Cut(rawURL, ":")
	if !found {
		return nil, fmt.Errorf("invalid storage url %q: missing scheme", rawURL)
	}

	switch strings.ToLower(scheme) {
	case "memory":
		return NewMemory(), nil
	case "file":
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid storage url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return nil, fmt.Errorf("invalid storage url %q: missing path", rawURL)
		}
		return NewFile(path, opts.Passphrase)
	case "postgres", "postgresql":
		db, err := database.Open(rawURL)
		if err != nil {
			return nil, err
		}
		return newOwnedPostgres(db), nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", scheme)
	}
}

// newOwnedPostgres はClose時にDB接続も閉じるPostgresを生成する。
func newOwnedPostgres(db *sql.DB) *Postgres {
	p := NewPostgres(db)
	p.owned = true
	return p
}
