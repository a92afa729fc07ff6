package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/stationops/internal/model"
	"github.com/hitoshi/stationops/internal/token"
)

// ResetClaims はパスワード再設定トークンの検証結果。
type ResetClaims struct {
	Email       string
	IssuedAt    time.Time
	Fingerprint string
}

// ResetConfig はResetManagerの設定。
type ResetConfig struct {
	Timeout  time.Duration
	Now      func() time.Time
	Recorder Recorder
}

// ResetManager はパスワード再設定トークンの発行・検証を行う。
// 有効か失効かの2値で、stale の段階はない。
// ロールや有効状態の確認は行わないため、呼び出し側でユーザーを取得し直して確認すること。
type ResetManager struct {
	keys     KeyProvider
	timeout  time.Duration
	now      func() time.Time
	recorder Recorder
}

// NewResetManager はResetManagerを生成する。
func NewResetManager(keys KeyProvider, cfg ResetConfig) *ResetManager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &ResetManager{
		keys:     keys,
		timeout:  cfg.Timeout,
		now:      now,
		recorder: recorderOrNoop(cfg.Recorder),
	}
}

// Create はユーザーの現在のパスワード検証子に紐づく再設定トークンを生成する。
func (m *ResetManager) Create(ctx context.Context, identity *model.Identity) (string, error) {
	key, err := m.keys.Active(ctx)
	if err != nil {
		return "", err
	}
	claims := token.NewClaims(token.KindPasswordReset, identity.Email, m.now())
	claims.Fingerprint = PasswordFingerprint(identity.PasswordHash)
	return token.Encode(claims, key)
}

// Parse は再設定トークンを検証する。
func (m *ResetManager) Parse(ctx context.Context, tokenString string) (*ResetClaims, error) {
	claims, err := token.Decode(tokenString, token.KindPasswordReset, resolverFor(ctx, m.keys))
	if err != nil {
		if token.IsInvalid(err) {
			m.recorder.TokenParsed(string(token.KindPasswordReset), OutcomeInvalid)
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return nil, err
	}

	issued := claims.IssuedTime()
	age := m.now().Sub(issued)
	switch {
	case age < 0:
		m.recorder.TokenParsed(string(token.KindPasswordReset), OutcomeInvalid)
		return nil, fmt.Errorf("%w: issued in the future", ErrTokenInvalid)
	case age > m.timeout:
		m.recorder.TokenParsed(string(token.KindPasswordReset), OutcomeExpired)
		return nil, ErrTokenExpired
	}

	m.recorder.TokenParsed(string(token.KindPasswordReset), OutcomeFresh)
	return &ResetClaims{
		Email:       claims.Email(),
		IssuedAt:    issued,
		Fingerprint: claims.Fingerprint,
	}, nil
}
