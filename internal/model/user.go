// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Role はマーケットプレイス上のユーザー種別を表す。
// バックエンドのセッション交換で返された値のみが正とされる。
type Role string

const (
	// RoleUser はチケットを購入する一般ユーザー。
	RoleUser Role = "user"
	// RoleVendor はチケットを出品する事業者。
	RoleVendor Role = "vendor"
	// RoleAdmin はコンテンツ承認とロール管理を行う管理者。
	RoleAdmin Role = "admin"
)

// Roles は定義済みの全ロールを返す。
func Roles() []Role {
	return []Role{RoleUser, RoleVendor, RoleAdmin}
}

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleVendor, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole は文字列をRoleに変換する。未知の値はエラーとする。
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// User はバックエンドが返すユーザーレコード。
type User struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
	Role        Role
}

// Session はアプリケーションのログインセッションを表す。
// Tokenはバックエンドが発行する不透明なベアラートークンで、
// クライアント側では構造を仮定しない。
type Session struct {
	Token     string
	User      User
	CreatedAt time.Time
}

// Authenticated はトークンを保持している場合にtrueを返す。
// トークンがなければキャッシュされたプロフィールがあっても未認証として扱う。
func (s *Session) Authenticated() bool {
	return s != nil && s.Token != ""
}

// Clone はセッションのコピーを返す。
// ストアの外からロールを書き換えられないよう、読み出しは常にコピーで行う。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// IdentityAssertion は外部IdPが発行した本人性の証明。
// 短命で、セッション交換に使った後は破棄する。永続化しない。
type IdentityAssertion struct {
	Token          string
	ProviderUserID string
	Email          string
	ExpiresAt      time.Time
}

// Expired はアサーションが指定時刻に失効しているかを返す。
// ExpiresAtがゼロ値の場合は失効していないものとみなす。
func (a *IdentityAssertion) Expired(now time.Time) bool {
	if a == nil {
		return true
	}
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// SessionState はUIへ公開するセッションの状態。
// IsLoadingがtrueの間は再検証中で、ロールに依存する表示を行ってはならない。
type SessionState struct {
	Session   *Session
	IsLoading bool
}
