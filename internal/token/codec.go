// Package token は署名付きトークンのエンコード・デコードを提供する。
//
// トークンは HS256 の JWS compact 形式で、ヘッダの kid に署名鍵のIDを持つ。
// 有効期限の判定は行わない。経過時間の分類は呼び出し側が注入された時計で行う。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/stationops/internal/model"
)

// MaxLength はデコードを試みるトークン文字列の上限長。
const MaxLength = 4096

// Kind はトークンの用途を表す。用途の異なるトークンは相互に受理しない。
type Kind string

const (
	KindSession       Kind = "session"
	KindPasswordReset Kind = "password_reset"
)

var (
	// ErrMalformed はトークンの構造が不正な場合のエラー。
	ErrMalformed = errors.New("token: malformed")
	// ErrBadSignature は署名が一致しない場合のエラー。
	ErrBadSignature = errors.New("token: signature mismatch")
	// ErrUnknownKey は kid に対応する検証鍵がない場合のエラー。
	ErrUnknownKey = errors.New("token: unknown signing key")
	// ErrWrongKind は用途の異なるトークンが渡された場合のエラー。
	ErrWrongKind = errors.New("token: wrong kind")
)

// Claims はトークンのペイロード。Subject にメールアドレスを持つ。
type Claims struct {
	Kind Kind `json:"knd"`
	// Fingerprint はパスワード再設定トークンでのみ使う、発行時点のパスワード検証子の指紋。
	Fingerprint string `json:"pwf,omitempty"`
	jwt.RegisteredClaims
}

// Email はトークンの主体のメールアドレスを返す。
func (c *Claims) Email() string {
	return c.Subject
}

// IssuedTime は発行時刻を返す。
func (c *Claims) IssuedTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// NewClaims は発行時刻を秒単位に丸めたClaimsを生成する。
func NewClaims(kind Kind, email string, issuedAt time.Time) *Claims {
	return &Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  email,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
}

// KeyResolver は kid から検証鍵を引く関数。
// 該当する鍵がない場合は (nil, nil) を返す。
type KeyResolver func(kid string) (*model.SigningKey, error)

// Encode はClaimsを署名鍵で署名し、トークン文字列を返す。
func Encode(claims *Claims, key *model.SigningKey) (string, error) {
	if key == nil || len(key.Secret) == 0 {
		return "", fmt.Errorf("failed to sign token: signing key is empty")
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = key.ID

	s, err := t.SignedString(key.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

// Decode はトークン文字列を検証し、Claimsを返す。
// 不正な入力は ErrMalformed / ErrBadSignature / ErrUnknownKey / ErrWrongKind のいずれかで失敗する。
// resolve が返したエラーはそのままラップして返す（ストア障害の伝播）。
func Decode(tokenString string, kind Kind, resolve KeyResolver) (*Claims, error) {
	if tokenString == "" || len(tokenString) > MaxLength {
		return nil, ErrMalformed
	}

	var (
		resolveErr error
		unknownKey bool
	)

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, ErrMalformed
		}

		key, err := resolve(kid)
		if err != nil {
			resolveErr = err
			return nil, err
		}
		if key == nil {
			unknownKey = true
			return nil, ErrUnknownKey
		}
		return key.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	switch {
	case resolveErr != nil:
		return nil, fmt.Errorf("failed to resolve signing key: %w", resolveErr)
	case unknownKey:
		return nil, ErrUnknownKey
	case err != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrBadSignature
	case err != nil:
		return nil, ErrMalformed
	}

	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	if claims.Subject == "" || claims.IssuedAt == nil {
		return nil, ErrMalformed
	}

	return claims, nil
}

// IsInvalid はエラーがトークン自体の不正（ストア障害ではない）によるものかを判定する。
func IsInvalid(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrUnknownKey) ||
		errors.Is(err, ErrWrongKind)
}
