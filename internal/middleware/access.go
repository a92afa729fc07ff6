package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/stationops/internal/auth"
	"github.com/hitoshi/stationops/internal/model"
)

// LoginPath はログイン画面のパス。未ログインのリクエストはここへ誘導する。
const LoginPath = "/auth/login"

// RequireAuthenticated はログイン済みのリクエストのみを通すミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func RequireAuthenticated() func(next http.Handler) http.Handler {
	return requireDecision(func(p *model.Principal) auth.Decision {
		return auth.RequireAuthenticated(p)
	}, "")
}

// RequireRole は指定ロールを持つリクエストのみを通すミドルウェアを返す。
// スーパーユーザーは常に通す。SessionMiddlewareの後に配置する。
func RequireRole(role model.Role) func(next http.Handler) http.Handler {
	return requireDecision(func(p *model.Principal) auth.Decision {
		return auth.RequireRole(p, role)
	}, role)
}

func requireDecision(decide func(*model.Principal) auth.Decision, role model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			switch d := decide(p); d {
			case auth.Allow:
				next.ServeHTTP(w, r)
			case auth.DenyUnauthenticated:
				if WantsJSON(r) {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
					return
				}
				http.Redirect(w, r, LoginRedirectURL(r.URL.RequestURI()), http.StatusSeeOther)
			default:
				slog.Warn("access denied",
					slog.String("email", p.Identity.Email),
					slog.String("role", string(role)),
					slog.String("path", r.URL.Path),
					slog.String("decision", d.String()),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
			}
		})
	}
}

// LoginRedirectURL は元のパスを戻り先として保持したログイン画面のURLを返す。
func LoginRedirectURL(returnTo string) string {
	return LoginPath + "?redirect=" + url.QueryEscape(returnTo)
}

// WantsJSON はクライアントがJSONレスポンスを期待しているかどうかを判定する。
func WantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}
