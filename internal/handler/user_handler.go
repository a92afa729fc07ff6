package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/stationops/internal/model"
	"github.com/hitoshi/stationops/internal/user"
)

// UserServiceInterface はユーザー管理ハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	List(ctx context.Context) (*user.Listing, error)
	Get(ctx context.Context, email string) (*model.Identity, error)
	Create(ctx context.Context, in user.Input) (*model.Identity, error)
	Update(ctx context.Context, email string, in user.Input) (*model.Identity, error)
	SendResets(ctx context.Context, emails []string) (int, error)
	Reindex(ctx context.Context) (int, error)
	Search(ctx context.Context, q string) ([]user.SearchResult, error)
}

// UserHandler は局員アカウント管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// userRequest はアカウント作成・編集リクエストのボディ。
type userRequest struct {
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	DJName    string   `json:"dj_name"`
	Roles     []string `json:"roles"`
	IsActive  *bool    `json:"is_active"`
}

func (req userRequest) input() user.Input {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return user.Input{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		DJName:    req.DJName,
		Roles:     req.Roles,
		IsActive:  active,
	}
}

type sendResetsRequest struct {
	Emails []string `json:"emails"`
}

// userResponse はユーザー情報のAPIレスポンス。パスワードの検証子は含めない。
type userResponse struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	DJName          string     `json:"dj_name"`
	EffectiveDJName string     `json:"effective_dj_name"`
	Roles           []string   `json:"roles"`
	IsActive        bool       `json:"is_active"`
	IsSuperuser     bool       `json:"is_superuser"`
	HasPassword     bool       `json:"has_password"`
	LastLogin       *time.Time `json:"last_login"`
}

type userListResponse struct {
	Users       []userResponse `json:"users"`
	ActiveCount int            `json:"active_count"`
}

type createUserResponse struct {
	userResponse
	WelcomeSent bool `json:"welcome_sent"`
}

func toUserResponse(u *model.Identity) userResponse {
	return userResponse{
		ID:              u.ID,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		DJName:          u.DJName,
		EffectiveDJName: u.EffectiveDJName(),
		Roles:           u.Roles.Strings(),
		IsActive:        u.IsActive,
		IsSuperuser:     u.IsSuperuser,
		HasPassword:     u.HasPassword(),
		LastLogin:       u.LastLogin,
	}
}

// List はユーザー一覧を返す。
// GET /api/users
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	listing, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := userListResponse{
		Users:       make([]userResponse, 0, len(listing.Users)),
		ActiveCount: listing.ActiveCount,
	}
	for _, u := range listing.Users {
		resp.Users = append(resp.Users, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get はメールアドレスで指定したユーザーを返す。
// GET /api/users/{email}
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.Get(r.Context(), emailParam(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// Create はアカウントを作成し、案内メールを送信する。
// POST /api/users
// 案内メールの送信に失敗してもアカウントは作成済みのため201を返し、welcome_sent=false で知らせる。
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeInput(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	u, err := h.service.Create(r.Context(), req.input())
	welcomeSent := true
	if errors.Is(err, user.ErrWelcomeNotSent) {
		welcomeSent = false
	} else if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createUserResponse{
		userResponse: toUserResponse(u),
		WelcomeSent:  welcomeSent,
	})
}

// Update はユーザーのプロフィール・ロール・有効状態を更新する。
// PUT /api/users/{email}
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeInput(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	u, err := h.service.Update(r.Context(), emailParam(r), req.input())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// SendResets は選択したユーザーにパスワード再設定メールを送信する。
// POST /api/users/send-reset
func (h *UserHandler) SendResets(w http.ResponseWriter, r *http.Request) {
	var req sendResetsRequest
	if err := decodeInput(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if len(req.Emails) == 0 {
		handleServiceError(w, model.NewInvalidRequestError("送信先のユーザーを選択してください"))
		return
	}

	sent, err := h.service.SendResets(r.Context(), req.Emails)
	if err != nil {
		slog.Error("password reset batch aborted",
			slog.Int("sent", sent),
			slog.Int("requested", len(req.Emails)),
		)
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}

// Reindex は全ユーザーの検索索引を作り直す。
// POST /api/users/reindex
func (h *UserHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Reindex(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
}

// Search はユーザー名の前方一致で候補を返す。
// GET /api/users/search?q=...（要ログイン）
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// emailParam はパスのメールアドレスを取り出す。%40 でエスケープされていても受け付ける。
func emailParam(r *http.Request) string {
	raw := chi.URLParam(r, "email")
	if email, err := url.PathUnescape(raw); err == nil {
		return email
	}
	return raw
}
