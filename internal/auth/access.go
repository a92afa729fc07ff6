package auth

import "github.com/hitoshi/stationops/internal/model"

// Decision はアクセス判定の結果。
type Decision int

const (
	// Allow はアクセスを許可する。
	Allow Decision = iota
	// DenyUnauthenticated は未ログインのため拒否する（ログイン画面へ誘導する）。
	DenyUnauthenticated
	// DenyForbidden はログイン済みだが権限がないため拒否する。
	DenyForbidden
)

// String はログ出力用の文字列を返す。
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyUnauthenticated:
		return "unauthenticated"
	case DenyForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Err は判定結果に対応するエラーを返す。Allow の場合は nil。
func (d Decision) Err() error {
	switch d {
	case Allow:
		return nil
	case DenyUnauthenticated:
		return ErrUnauthenticated
	default:
		return ErrForbidden
	}
}

// RequireAuthenticated はログイン済みかどうかを判定する。
func RequireAuthenticated(p *model.Principal) Decision {
	if p == nil || p.Identity == nil {
		return DenyUnauthenticated
	}
	return Allow
}

// RequireRole はロールを保持しているかどうかを判定する。スーパーユーザーは常に許可する。
func RequireRole(p *model.Principal, role model.Role) Decision {
	if d := RequireAuthenticated(p); d != Allow {
		return d
	}
	if !p.Identity.HasRole(role) {
		return DenyForbidden
	}
	return Allow
}
