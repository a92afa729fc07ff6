package model

import "time"

// Credential は検証済みトークンから得られる認証情報。
// リクエスト単位で生成され、永続化しない。
type Credential struct {
	Email    string
	IssuedAt time.Time
	// IsStale はトークンが有効だが更新を推奨する期間に入っていることを示す。
	IsStale bool
}

// SigningKey はトークンの署名に使う共有鍵。
// ID はトークンヘッダの kid として埋め込まれる。
type SigningKey struct {
	ID       string
	Secret   []byte
	IssuedAt time.Time
}
