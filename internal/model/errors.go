// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeEmailRegistered     = "EMAIL_ALREADY_REGISTERED"
	ErrCodeValidation          = "VALIDATION_FAILED"
	ErrCodeInvalidRole         = "INVALID_ROLE"
	ErrCodeProfileWriteFailed  = "PROFILE_WRITE_FAILED"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodePasswordMismatch    = "PASSWORD_MISMATCH"
	ErrCodePasswordTooShort    = "PASSWORD_TOO_SHORT"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	ErrCodeCSRFValidation      = "CSRF_VALIDATION_FAILED"
)

// CallbackErrorMessage はOAuthコールバック失敗時に/loginへ渡す汎用メッセージ。
// 失敗原因（不正なcode、セッション欠落、メール欠落、プロフィール書き込み失敗）を区別しない。
const CallbackErrorMessage = "Failed to complete sign in. Please try again."

// NewInvalidCredentialsError はメールアドレスまたはパスワードの誤りを表すエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password.",
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewEmailRegisteredError は登録済みメールアドレスでのサインアップを表すエラーを生成する。
func NewEmailRegisteredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailRegistered,
		Message:  "An account with this email already exists.",
		Category: "auth",
		Action:   "Sign in instead, or reset your password.",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Please fill in all fields correctly.",
	}
}

// NewInvalidRoleError は無効なロール指定のエラーを生成する。
func NewInvalidRoleError(value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("Unknown role: %q", value),
		Category: "validation",
		Action:   "Choose either employer (hire help) or maid (find work).",
	}
}

// NewProfileWriteFailedError はプロフィール作成・更新失敗のエラーを生成する。
func NewProfileWriteFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileWriteFailed,
		Message:  "Failed to create profile.",
		Category: "profile",
		Action:   "Please try again in a moment.",
	}
}

// NewSessionNotFoundError はセッションが存在しない、または期限切れの場合のエラーを生成する。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "You are not signed in.",
		Category: "auth",
		Action:   "Please sign in to continue.",
	}
}

// NewPasswordMismatchError はパスワード確認不一致のエラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "Passwords do not match.",
		Category: "validation",
		Action:   "Enter the same password twice.",
	}
}

// NewPasswordTooShortError はパスワード長不足のエラーを生成する。
func NewPasswordTooShortError(min int) *APIError {
	return &APIError{
		Code:     ErrCodePasswordTooShort,
		Message:  fmt.Sprintf("Password must be at least %d characters long.", min),
		Category: "validation",
		Action:   "Choose a longer password.",
	}
}

// NewProviderUnavailableError はIdentity Providerへの接続失敗のエラーを生成する。
func NewProviderUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  "The sign-in service is temporarily unavailable.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}

// NewUnsupportedProviderError は未対応のOAuthプロバイダー指定のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("Sign in with %q is not available.", provider),
		Category: "validation",
		Action:   "Use email and password or another provider.",
	}
}

// NewCSRFValidationError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFValidationError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFValidation,
		Message:  "CSRF token validation failed.",
		Category: "auth",
		Action:   "Reload the page and try again.",
	}
}
