// Package authz はセッションとルートの要求ロールからアクセス可否を判定する。
package authz

import (
	"slices"

	"github.com/hitoshi/ticketfront/internal/model"
)

// Decision はアクセス判定の結果。
type Decision int

const (
	// Allow はアクセスを許可する。
	Allow Decision = iota
	// DenyUnauthenticated はセッションがないため拒否する。呼び出し側は戻り先を保持してサインインへ遷移させる。
	DenyUnauthenticated
	// DenyForbidden はロールが不足しているため拒否する。サインインへは遷移させない。
	DenyForbidden
)

// String は判定結果の名前を返す。
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyUnauthenticated:
		return "deny_unauthenticated"
	case DenyForbidden:
		return "deny_forbidden"
	default:
		return "unknown"
	}
}

// Requirement は保護されたルートの要求ロール。
// Rolesが空の場合はロールを問わずサインイン済みであればよい。
type Requirement struct {
	Roles []model.Role `yaml:"roles"`
	// Exclusive がtrueの場合、管理者の上位権限を適用しない。
	Exclusive bool `yaml:"exclusive"`
}

// Gate はアクセス判定を行う。
type Gate struct {
	adminSuperset bool
}

// NewGate はGateを生成する。adminSupersetがtrueの場合、
// adminはvendorまたはuserを要求するルートにもアクセスできる（Exclusiveなルートを除く）。
func NewGate(adminSuperset bool) Gate {
	return Gate{adminSuperset: adminSuperset}
}

// CanAccess はセッションがルートにアクセスできるかを判定する。副作用を持たない。
func (g Gate) CanAccess(req Requirement, session *model.Session) Decision {
	if !session.Authenticated() {
		return DenyUnauthenticated
	}

	role := session.User.Role
	if !role.Valid() {
		return DenyForbidden
	}
	if len(req.Roles) == 0 || slices.Contains(req.Roles, role) {
		return Allow
	}

	if g.adminSuperset && role == model.RoleAdmin && !req.Exclusive &&
		(slices.Contains(req.Roles, model.RoleVendor) || slices.Contains(req.Roles, model.RoleUser)) {
		return Allow
	}
	return DenyForbidden
}

// CanAccess は管理者の上位権限を有効にしたGateで判定する。
func CanAccess(req Requirement, session *model.Session) Decision {
	return NewGate(true).CanAccess(req, session)
}
