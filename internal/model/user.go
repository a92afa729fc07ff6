// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Identity はポータルを利用する局員（DJ・ボランティア等）を表す。
// Email が一意なキーであり、常に小文字へ正規化して保持する。
type Identity struct {
	ID           string
	Email        string
	PasswordHash []byte // nil はパスワード未設定
	IsActive     bool
	IsSuperuser  bool
	Roles        RoleSet
	FirstName    string
	LastName     string
	DJName       string
	SearchIndex  []string
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanonicalEmail はメールアドレスを比較・保存用の正規形に変換する。
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasPassword はパスワードが設定済みかどうかを返す。
func (i *Identity) HasPassword() bool {
	return len(i.PasswordHash) > 0
}

// HasRole はロールを保持しているかどうかを返す。
// スーパーユーザーは全ロールを保持しているものとして扱う。
func (i *Identity) HasRole(r Role) bool {
	if i.IsSuperuser {
		return true
	}
	return i.Roles.Has(r)
}

// FullName は "名 姓" 形式の氏名を返す。
func (i *Identity) FullName() string {
	return strings.TrimSpace(i.FirstName + " " + i.LastName)
}

// EffectiveDJName は放送で使う名前を返す。DJ名が未設定なら氏名を使う。
func (i *Identity) EffectiveDJName() string {
	if i.DJName != "" {
		return i.DJName
	}
	return i.FullName()
}

// Principal はリクエストに紐づく認証済みの主体を表す。
// 検証済みの Credential と、それが指す Identity の組。
type Principal struct {
	Identity   *Identity
	Credential *Credential
}
