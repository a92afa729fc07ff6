// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/stationops/internal/auth"
	"github.com/hitoshi/stationops/internal/middleware"
	"github.com/hitoshi/stationops/internal/model"
)

// maxBodyBytes はフォーム・JSONボディの上限。
const maxBodyBytes = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
	case errors.Is(err, auth.ErrUserNotAllowed):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewUserNotAllowedError())
	case errors.Is(err, auth.ErrAlreadySignedIn):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewAlreadySignedInError())
	case errors.Is(err, auth.ErrAccountNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	case errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrTokenExpired):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidResetTokenError())
	case errors.Is(err, auth.ErrPasswordTooShort):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewPasswordTooShortError(auth.MinPasswordLength))
	case errors.Is(err, auth.ErrPasswordTooLong):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewPasswordTooLongError(auth.MaxPasswordLength))
	default:
		// 詳細はログのみに記録する
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidRole,
		model.ErrCodePasswordTooShort, model.ErrCodePasswordTooLong,
		model.ErrCodePasswordMismatch, model.ErrCodeInvalidResetToken:
		return http.StatusBadRequest
	case model.ErrCodeUnauthenticated, model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeUserNotAllowed, model.ErrCodeAlreadySignedIn:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeUserAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeInput はフォームまたはJSONのボディを dst に読み込む。
// フォームの値は json タグ名で文字列フィールドへ詰め替える。
func decodeInput(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if isJSONBody(r) {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return model.NewInvalidRequestError("リクエストボディを解析できません")
		}
		return nil
	}

	if err := r.ParseForm(); err != nil {
		return model.NewInvalidRequestError("フォームを解析できません")
	}
	// フォーム値をJSON経由で構造体へ移す。複数値を持つキーは配列のまま渡す。
	values := make(map[string]any, len(r.PostForm))
	for key, vs := range r.PostForm {
		if len(vs) == 1 && !strings.HasSuffix(key, "[]") {
			values[key] = vs[0]
			continue
		}
		values[strings.TrimSuffix(key, "[]")] = vs
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return model.NewInvalidRequestError("フォームの値が正しくありません")
	}
	return nil
}

func isJSONBody(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// safeRedirect は同一サイト内のパスだけをリダイレクト先として受け付ける。
// 外部URLやスキーム相対URLは "/" に置き換える。
func safeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return target
}

// respond はJSONクライアントには body を、ブラウザには redirectTo への303を返す。
func respond(w http.ResponseWriter, r *http.Request, statusCode int, body any, redirectTo string) {
	if middleware.WantsJSON(r) {
		if body == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, statusCode, body)
		return
	}
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}
