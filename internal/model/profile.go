package model

import (
	"strings"
	"time"
)

// Role はマーケットプレイス上の利用者区分。ダッシュボードと権限を決定する。
type Role string

const (
	// RoleEmployer は家事労働者を雇用する側。
	RoleEmployer Role = "employer"
	// RoleMaid は仕事を探す家事労働者側。
	RoleMaid Role = "maid"
)

// Roles は有効なロールの一覧。
var Roles = []Role{RoleEmployer, RoleMaid}

// ParseRole は文字列をRoleに変換する。前後の空白と大文字小文字は無視する。
// 有効なロールでない場合はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleEmployer:
		return RoleEmployer, true
	case RoleMaid:
		return RoleMaid, true
	default:
		return "", false
	}
}

// Valid はロールが有効値かどうかを返す。
func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}

// DashboardPath はロールごとのダッシュボードパスを返す。
func (r Role) DashboardPath() string {
	return "/" + string(r) + "/dashboard"
}

// Profile はユーザーごとのアプリケーションレコード（profilesテーブル）。
// セッションのユーザーIDと1対1で対応する。
type Profile struct {
	ID        string
	Email     string
	FullName  string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}
