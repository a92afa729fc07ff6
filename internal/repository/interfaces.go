// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/stationops/internal/model"
)

// ErrDuplicateEmail は既に登録済みのメールアドレスでユーザーを作成しようとした場合のエラー。
var ErrDuplicateEmail = errors.New("repository: duplicate email")

// IdentityRepository はユーザー（Identity）の永続化インターフェース。
// 同一ユーザーへの同時書き込みは後勝ちとする。
type IdentityRepository interface {
	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// Update はユーザーのプロフィール・ロール・有効状態・検索索引を更新する。
	Update(ctx context.Context, identity *model.Identity) error

	// UpdatePassword はパスワード検証子を更新する。
	UpdatePassword(ctx context.Context, id string, passwordHash []byte) error

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// List は全ユーザーを有効なユーザーを先頭に、姓・名の順で返す。
	List(ctx context.Context) ([]*model.Identity, error)

	// Search は検索索引に term を含むユーザーを返す。
	Search(ctx context.Context, term string, limit int) ([]*model.Identity, error)
}

// SigningKeyRepository はトークン署名鍵の永続化インターフェース。
type SigningKeyRepository interface {
	// Latest は最も新しい鍵を返す。鍵がない場合はnilを返す。
	Latest(ctx context.Context) (*model.SigningKey, error)

	// FindByID は指定IDの鍵を返す。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SigningKey, error)

	// Insert は鍵を保存する。
	Insert(ctx context.Context, key *model.SigningKey) error

	// DeleteIssuedBefore は before より前に発行された鍵を削除する。最新の鍵は削除しない。
	DeleteIssuedBefore(ctx context.Context, before time.Time) (int64, error)
}
