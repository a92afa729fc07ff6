package model

import (
	"fmt"
	"sort"
)

// Role は局内の権限区分を表す。階層はなく、保持しているかどうかだけで判定する。
type Role string

// 定義済みロール
const (
	RoleDJ                   Role = "dj"
	RoleMusicDirector        Role = "music_director"
	RoleReviewer             Role = "reviewer"
	RoleVolunteerCoordinator Role = "volunteer_coordinator"
	RoleTrafficLogAdmin      Role = "traffic_log_admin"
)

// AllRoles は定義済みロールの一覧を返す。
func AllRoles() []Role {
	return []Role{
		RoleDJ,
		RoleMusicDirector,
		RoleReviewer,
		RoleVolunteerCoordinator,
		RoleTrafficLogAdmin,
	}
}

// ParseRole は文字列をロールに変換する。未定義のタグはエラーとする。
func ParseRole(s string) (Role, error) {
	for _, r := range AllRoles() {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// RoleSet はロールの集合。
type RoleSet map[Role]struct{}

// NewRoleSet は指定したロールからなる集合を生成する。
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// ParseRoleSet は文字列のスライスをロール集合に変換する。
// 1つでも未定義のタグが含まれる場合はエラーとする。
func ParseRoleSet(tags []string) (RoleSet, error) {
	s := make(RoleSet, len(tags))
	for _, tag := range tags {
		r, err := ParseRole(tag)
		if err != nil {
			return nil, err
		}
		s[r] = struct{}{}
	}
	return s, nil
}

// Has はロールが集合に含まれるかどうかを返す。
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Strings は永続化用にソート済みの文字列スライスを返す。
func (s RoleSet) Strings() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, string(r))
	}
	sort.Strings(out)
	return out
}
