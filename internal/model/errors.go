// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, user, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeUserNotAllowed     = "USER_NOT_ALLOWED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidResetToken  = "INVALID_RESET_TOKEN"
	ErrCodeAlreadySignedIn    = "ALREADY_SIGNED_IN"
	ErrCodePasswordTooShort   = "PASSWORD_TOO_SHORT"
	ErrCodePasswordTooLong    = "PASSWORD_TOO_LONG"
	ErrCodePasswordMismatch   = "PASSWORD_MISMATCH"
	ErrCodeInvalidRole        = "INVALID_ROLE"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeUserAlreadyExists  = "USER_ALREADY_EXISTS"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeCSRFInvalid        = "CSRF_INVALID"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewUnauthenticatedError は未ログインエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "必要なロールの付与をボランティアコーディネーターに依頼してください。",
	}
}

// NewUserNotAllowedError は無効化されたアカウントへのエラーを生成する。
func NewUserNotAllowedError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotAllowed,
		Message:  "このアカウントは現在利用できません。",
		Category: "auth",
		Action:   "ボランティアコーディネーターに連絡してください。",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワード不一致のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してください。パスワードを忘れた場合は再設定できます。",
	}
}

// NewInvalidResetTokenError は無効または期限切れのパスワード再設定トークンのエラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "パスワード再設定リンクが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "パスワード再設定をもう一度申請してください。",
	}
}

// NewAlreadySignedInError はログイン中に再設定を申請した場合のエラーを生成する。
func NewAlreadySignedInError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadySignedIn,
		Message:  "ログイン中はパスワード再設定を申請できません。",
		Category: "auth",
		Action:   "パスワード変更画面を利用してください。",
	}
}

// NewPasswordTooShortError はパスワード長不足のエラーを生成する。
func NewPasswordTooShortError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodePasswordTooShort,
		Message:  fmt.Sprintf("パスワードは%d文字以上で指定してください。", minLength),
		Category: "validation",
		Action:   "より長いパスワードを入力してください。",
	}
}

// NewPasswordTooLongError はパスワード長超過のエラーを生成する。
func NewPasswordTooLongError(maxLength int) *APIError {
	return &APIError{
		Code:     ErrCodePasswordTooLong,
		Message:  fmt.Sprintf("パスワードは%dバイト以下で指定してください。", maxLength),
		Category: "validation",
		Action:   "より短いパスワードを入力してください。",
	}
}

// NewPasswordMismatchError は確認用パスワード不一致のエラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "確認用パスワードが一致しません。",
		Category: "validation",
		Action:   "同じパスワードを2回入力してください。",
	}
}

// NewInvalidRoleError は未定義ロール指定のエラーを生成する。
func NewInvalidRoleError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("無効なロールです: %s", role),
		Category: "validation",
		Action:   "dj、music_director、reviewer、volunteer_coordinator、traffic_log_admin のいずれかを指定してください。",
	}
}

// NewInvalidRequestError は入力不備のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "user",
		Action:   "メールアドレスを確認してください。",
	}
}

// NewUserAlreadyExistsError は既に登録済みのメールアドレスで追加しようとした場合のエラーを生成する。
func NewUserAlreadyExistsError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeUserAlreadyExists,
		Message:  fmt.Sprintf("既に登録されているメールアドレスです: %s", email),
		Category: "user",
		Action:   "既存ユーザーの編集画面を利用してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "フォームの有効期限が切れました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}
