// Package auth は局員の認証、トークン発行・検証、権限判定を提供する。
package auth

import "errors"

var (
	// ErrTokenInvalid はトークンが改ざん・破損している、または発行時刻が未来の場合のエラー。
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrTokenExpired はトークンの有効期限が切れている場合のエラー。
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrUserNotAllowed は無効化されたアカウントへのアクセスを示すエラー。
	ErrUserNotAllowed = errors.New("auth: user not allowed")
	// ErrForbidden は必要なロールを持たない場合のエラー。
	ErrForbidden = errors.New("auth: forbidden")
	// ErrUnauthenticated はログインしていない場合のエラー。
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しない場合のエラー。
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrAccountNotFound は指定したメールアドレスのアカウントがない場合のエラー。
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrAccountExists は作成しようとしたアカウントが既に存在する場合のエラー。
	ErrAccountExists = errors.New("auth: account already exists")
	// ErrPasswordTooShort はパスワードが最小長に満たない場合のエラー。
	ErrPasswordTooShort = errors.New("auth: password too short")
	// ErrPasswordTooLong はパスワードがbcryptの上限を超える場合のエラー。
	ErrPasswordTooLong = errors.New("auth: password too long")
	// ErrAlreadySignedIn はログイン中に再設定を申請した場合のエラー。
	ErrAlreadySignedIn = errors.New("auth: already signed in")
)
