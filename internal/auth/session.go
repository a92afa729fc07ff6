package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/stationops/internal/model"
	"github.com/hitoshi/stationops/internal/token"
)

const (
	// DefaultCookieName はトークンを運ぶCookieの名前。
	DefaultCookieName = "stationops_token"
	// DefaultFormField はCookieを送れないクライアント向けに、POSTフォームでトークンを運ぶフィールド名。
	// 値はトークンのURLセーフbase64。
	DefaultFormField = "auth_token"
)

// KeyProvider は署名鍵の供給元。keycache.Providerが実装する。
type KeyProvider interface {
	Active(ctx context.Context) (*model.SigningKey, error)
	Lookup(ctx context.Context, kid string) (*model.SigningKey, error)
}

// IdentityFinder はメールアドレスでユーザーを検索する。
// repository.IdentityRepositoryの部分集合として定義する。
type IdentityFinder interface {
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)
}

// SessionConfig はSessionManagerの設定。
type SessionConfig struct {
	// FreshWindow を超えたトークンは stale として扱う。
	FreshWindow time.Duration
	// Timeout を超えたトークンは失効とする。
	Timeout time.Duration

	CookieName   string
	FormField    string
	CookieSecure bool
	CookieDomain string

	// Now は nil の場合 time.Now を使う。
	Now func() time.Time
	// Recorder は nil でもよい。
	Recorder Recorder
}

// SessionManager はログイントークンの発行・検証と、リクエストからの認証情報の解決を行う。
type SessionManager struct {
	keys     KeyProvider
	finder   IdentityFinder
	cfg      SessionConfig
	now      func() time.Time
	recorder Recorder
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(keys KeyProvider, finder IdentityFinder, cfg SessionConfig) *SessionManager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.FormField == "" {
		cfg.FormField = DefaultFormField
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		keys:     keys,
		finder:   finder,
		cfg:      cfg,
		now:      now,
		recorder: recorderOrNoop(cfg.Recorder),
	}
}

// CookieName はトークンを運ぶCookieの名前を返す。
func (m *SessionManager) CookieName() string {
	return m.cfg.CookieName
}

// Create は現在時刻を発行時刻とするログイントークンを生成する。
func (m *SessionManager) Create(ctx context.Context, identity *model.Identity) (string, error) {
	key, err := m.keys.Active(ctx)
	if err != nil {
		return "", err
	}
	return token.Encode(token.NewClaims(token.KindSession, identity.Email, m.now()), key)
}

// Parse はトークンを検証し、経過時間に応じて分類した Credential を返す。
//
//	age < 0                     -> ErrTokenInvalid
//	age <= FreshWindow          -> 有効
//	FreshWindow < age <= Timeout -> 有効（IsStale）
//	Timeout < age               -> ErrTokenExpired
//
// 署名鍵ストアの障害はそれ以外のエラーとして返す。
func (m *SessionManager) Parse(ctx context.Context, tokenString string) (*model.Credential, error) {
	claims, err := token.Decode(tokenString, token.KindSession, resolverFor(ctx, m.keys))
	if err != nil {
		if token.IsInvalid(err) {
			m.recorder.TokenParsed(string(token.KindSession), OutcomeInvalid)
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return nil, err
	}

	issued := claims.IssuedTime()
	age := m.now().Sub(issued)

	switch {
	case age < 0:
		m.recorder.TokenParsed(string(token.KindSession), OutcomeInvalid)
		return nil, fmt.Errorf("%w: issued in the future", ErrTokenInvalid)
	case age > m.cfg.Timeout:
		m.recorder.TokenParsed(string(token.KindSession), OutcomeExpired)
		return nil, ErrTokenExpired
	}

	stale := age > m.cfg.FreshWindow
	if stale {
		m.recorder.TokenParsed(string(token.KindSession), OutcomeStale)
	} else {
		m.recorder.TokenParsed(string(token.KindSession), OutcomeFresh)
	}

	return &model.Credential{
		Email:    claims.Email(),
		IssuedAt: issued,
		IsStale:  stale,
	}, nil
}

// TokenFromRequest はリクエストからトークン文字列を取り出す。
// Cookie を優先し、なければ POST フォームのフィールドを参照する。見つからない場合は空文字を返す。
func (m *SessionManager) TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(m.cfg.CookieName); err == nil && c.Value != "" {
		return c.Value
	}

	if r.Method != http.MethodPost {
		return ""
	}
	encoded := r.PostFormValue(m.cfg.FormField)
	if encoded == "" {
		return ""
	}
	return decodeFormToken(encoded)
}

// ResolveRequest はリクエストのトークンを検証し、該当ユーザーを返す。
// トークンがない・不正・失効、またはユーザーが存在しない場合は (nil, nil) を返す。
// 無効化されたユーザーの場合は ErrUserNotAllowed を返す。
func (m *SessionManager) ResolveRequest(ctx context.Context, r *http.Request) (*model.Principal, error) {
	raw := m.TokenFromRequest(r)
	if raw == "" {
		return nil, nil
	}

	cred, err := m.Parse(ctx, raw)
	if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenExpired) {
		slog.Debug("ignoring unusable token",
			slog.String("reason", err.Error()),
			slog.String("path", r.URL.Path),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	identity, err := m.finder.FindByEmail(ctx, cred.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity for token: %w", err)
	}
	if identity == nil {
		return nil, nil
	}
	if !identity.IsActive {
		return nil, ErrUserNotAllowed
	}

	return &model.Principal{Identity: identity, Credential: cred}, nil
}

// Attach は新しいトークンを発行してレスポンスのCookieに設定する。
// Cookie はブラウザセッションの間だけ保持される（Max-Age を設定しない）。
func (m *SessionManager) Attach(ctx context.Context, w http.ResponseWriter, identity *model.Identity) error {
	tok, err := m.Create(ctx, identity)
	if err != nil {
		return err
	}
	removePendingCookie(w, m.cfg.CookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    tok,
		Path:     "/",
		Domain:   m.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Detach はトークンのCookieを削除する。
// 同じレスポンスで先に設定された更新用Cookieがあれば取り消す。
func (m *SessionManager) Detach(w http.ResponseWriter) {
	removePendingCookie(w, m.cfg.CookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// EncodeForForm はトークンをPOSTフォームのフィールド値へ変換する。
func EncodeForForm(tok string) string {
	return base64.URLEncoding.EncodeToString([]byte(tok))
}

func decodeFormToken(encoded string) string {
	b, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

// removePendingCookie はまだ送信されていない Set-Cookie ヘッダから name の Cookie を除く。
func removePendingCookie(w http.ResponseWriter, name string) {
	h := w.Header()
	values := h.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}
	prefix := name + "="
	kept := values[:0:0]
	for _, v := range values {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
}

// resolverFor はKeyProviderをtoken.KeyResolverに変換する。
func resolverFor(ctx context.Context, keys KeyProvider) token.KeyResolver {
	return func(kid string) (*model.SigningKey, error) {
		return keys.Lookup(ctx, kid)
	}
}
