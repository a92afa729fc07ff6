// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/stationops/internal/auth"
	"github.com/hitoshi/stationops/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証済みの主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// PrincipalResolver はリクエストの認証情報の解決とトークンの再発行を行う。
// auth.SessionManagerが実装する。
type PrincipalResolver interface {
	ResolveRequest(ctx context.Context, r *http.Request) (*model.Principal, error)
	Attach(ctx context.Context, w http.ResponseWriter, identity *model.Identity) error
	Detach(w http.ResponseWriter)
}

// NewSessionMiddleware はCookieまたはPOSTフォームのトークンを検証し、
// 認証済みの主体をリクエストコンテキストに注入するミドルウェアを返す。
// トークンがない・不正・失効の場合は匿名のまま次へ進む（拒否はアクセス判定で行う）。
// 無効化されたアカウントは403、署名鍵ストアなどの障害は500を返す。
// stale なトークンは新しいトークンに差し替える。
func NewSessionMiddleware(resolver PrincipalResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := resolver.ResolveRequest(r.Context(), r)
			if errors.Is(err, auth.ErrUserNotAllowed) {
				resolver.Detach(w)
				WriteErrorResponse(w, http.StatusForbidden, model.NewUserNotAllowedError())
				return
			}
			if err != nil {
				slog.Error("failed to resolve credential",
					slog.String("error", err.Error()),
					slog.String("path", r.URL.Path),
				)
				WriteInternalServerError(w)
				return
			}
			if principal == nil {
				next.ServeHTTP(w, r)
				return
			}

			if principal.Credential.IsStale {
				if err := resolver.Attach(r.Context(), w, principal.Identity); err != nil {
					// 再発行できなくても既存のトークンは Timeout まで有効
					slog.Warn("failed to refresh stale token",
						slog.String("email", principal.Identity.Email),
						slog.String("error", err.Error()),
					)
				} else {
					slog.Debug("stale token refreshed",
						slog.String("email", principal.Identity.Email),
					)
				}
			}

			noteLogEmail(r.Context(), principal.Identity.Email)
			ctx := ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext はリクエストコンテキストから認証済みの主体を取得する。
// 匿名リクエストでは nil を返す。
func PrincipalFromContext(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalContextKey).(*model.Principal)
	return p
}

// IdentityFromContext はリクエストコンテキストからログイン中のユーザーを取得する。
// 匿名リクエストでは nil を返す。
func IdentityFromContext(ctx context.Context) *model.Identity {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.Identity
	}
	return nil
}

// ContextWithPrincipal はコンテキストに認証済みの主体を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
