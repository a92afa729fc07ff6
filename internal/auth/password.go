package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength はパスワードの最小文字数（バイト数）。
	MinPasswordLength = 8
	// MaxPasswordLength はbcryptが扱える最大バイト数。
	MaxPasswordLength = 72
)

// PasswordHasher はbcryptによるパスワード検証子の生成と照合を行う。
type PasswordHasher struct {
	cost      int
	dummyHash []byte
}

// NewPasswordHasher は指定コストのPasswordHasherを生成する。
// 範囲外のコストはbcrypt.DefaultCostに置き換える。
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	// 存在しないユーザーへのログインでも照合時間を揃えるための検証子
	dummy, _ := bcrypt.GenerateFromPassword([]byte("stationops-dummy-password"), cost)
	return &PasswordHasher{cost: cost, dummyHash: dummy}
}

// ValidatePassword はパスワードの長さを検証する。
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// Hash はパスワードの検証子を生成する。
func (h *PasswordHasher) Hash(password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// Verify はパスワードが検証子と一致するかどうかを返す。
// 検証子が空の場合もダミーとの照合を行い、常に false を返す。
func (h *PasswordHasher) Verify(hash []byte, password string) bool {
	if len(hash) == 0 {
		_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// PasswordFingerprint はパスワード検証子の指紋を返す。
// パスワード再設定トークンに埋め込み、パスワード変更後にトークンを無効化するために使う。
func PasswordFingerprint(hash []byte) string {
	sum := sha256.Sum256(hash)
	return hex.EncodeToString(sum[:8])
}
