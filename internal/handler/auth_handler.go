package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/stationops/internal/auth"
	"github.com/hitoshi/stationops/internal/middleware"
	"github.com/hitoshi/stationops/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (*model.Identity, error)
	ChangePassword(ctx context.Context, identity *model.Identity, current, next string) error
	RequestPasswordReset(ctx context.Context, email string) error
	CheckResetToken(ctx context.Context, tok string) (*model.Identity, error)
	ResetPassword(ctx context.Context, tok, password string) (*model.Identity, error)
}

// SessionIssuer はログイントークンの発行とCookieの付け外しを行う。
// auth.SessionManagerが実装する。
type SessionIssuer interface {
	Create(ctx context.Context, identity *model.Identity) (string, error)
	Attach(ctx context.Context, w http.ResponseWriter, identity *model.Identity) error
	Detach(w http.ResponseWriter)
}

// AuthHandler はログイン・ログアウト・パスワード管理のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionIssuer
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionIssuer) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Redirect string `json:"redirect"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token           string `json:"token"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// meResponse はログイン中のユーザー情報のAPIレスポンス。
type meResponse struct {
	userResponse
	TokenIssuedAt time.Time `json:"token_issued_at"`
	TokenStale    bool      `json:"token_stale"`
}

// LoginPage はログイン画面の状態を返す。
// GET /auth/login?redirect=...
// ログイン済みの場合は redirect へ移動する。
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	redirect := safeRedirect(r.URL.Query().Get("redirect"))
	if middleware.PrincipalFromContext(r.Context()) != nil {
		http.Redirect(w, r, redirect, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signed_in": false,
		"redirect":  redirect,
	})
}

// Login はメールアドレスとパスワードでログインし、トークンCookieを設定する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeInput(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.Redirect == "" {
		req.Redirect = r.URL.Query().Get("redirect")
	}
	redirect := safeRedirect(req.Redirect)

	identity, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.sessions.Attach(r.Context(), w, identity); err != nil {
		handleServiceError(w, err)
		return
	}

	respond(w, r, http.StatusOK, map[string]string{
		"email":    identity.Email,
		"redirect": redirect,
	}, redirect)
}

// Logout はトークンCookieを削除してログイン画面へ戻す。
// GET|POST /auth/logout?redirect=...
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Detach(w)

	if identity := middleware.IdentityFromContext(r.Context()); identity != nil {
		slog.Info("user logged out", slog.String("email", identity.Email))
	}

	target := middleware.LoginPath
	if redirect := r.URL.Query().Get("redirect"); redirect != "" {
		target = middleware.LoginRedirectURL(safeRedirect(redirect))
	}
	respond(w, r, http.StatusNoContent, nil, target)
}

// ChangePassword は現在のパスワードを確認して新しいパスワードを設定する。
// POST /auth/change-password（要ログイン）
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())

	var req changePasswordRequest
	if err := decodeInput(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		handleServiceError(w, model.NewPasswordMismatchError())
		return
	}

	if err := h.service.ChangePassword(r.Context(), identity, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("password changed", slog.String("email", identity.Email))
	respond(w, r, http.StatusNoContent, nil, "/")
}

// ForgotPassword はパスワード再設定リンクをメールで送信する。
// POST /auth/forgot-password（ログイン中は利用不可）
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	if middleware.PrincipalFromContext(r.Context()) != nil {
		handleServiceError(w, auth.ErrAlreadySignedIn)
		return
	}

	var req forgotPasswordRequest
	if err := decodeInput(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}

	respond(w, r, http.StatusAccepted, map[string]bool{"sent": true}, middleware.LoginPath)
}

// ResetPasswordPage は再設定リンクのトークンを検証する。
// GET /auth/reset-password?token=...（ログイン中は利用不可）
func (h *AuthHandler) ResetPasswordPage(w http.ResponseWriter, r *http.Request) {
	if middleware.PrincipalFromContext(r.Context()) != nil {
		handleServiceError(w, auth.ErrAlreadySignedIn)
		return
	}

	identity, err := h.service.CheckResetToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": identity.Email})
}

// ResetPassword は再設定トークンを消費して新しいパスワードを設定し、そのままログインさせる。
// POST /auth/reset-password（ログイン中は利用不可）
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if middleware.PrincipalFromContext(r.Context()) != nil {
		handleServiceError(w, auth.ErrAlreadySignedIn)
		return
	}

	var req resetPasswordRequest
	if err := decodeInput(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}
	if req.NewPassword != req.ConfirmPassword {
		handleServiceError(w, model.NewPasswordMismatchError())
		return
	}

	identity, err := h.service.ResetPassword(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.sessions.Attach(r.Context(), w, identity); err != nil {
		handleServiceError(w, err)
		return
	}

	respond(w, r, http.StatusOK, map[string]string{"email": identity.Email}, "/")
}

// Token はPOSTフォームで送り返すためのトークンを発行する。
// GET /auth/token（要ログイン）
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())

	tok, err := h.sessions.Create(r.Context(), identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"field": auth.DefaultFormField,
		"token": auth.EncodeForForm(tok),
	})
}

// Me はログイン中のユーザー情報を返す。
// GET /api/me（要ログイン）
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())

	writeJSON(w, http.StatusOK, meResponse{
		userResponse:  toUserResponse(p.Identity),
		TokenIssuedAt: p.Credential.IssuedAt,
		TokenStale:    p.Credential.IsStale,
	})
}
