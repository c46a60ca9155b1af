package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error はProviderが返したエラーレスポンス。
type Error struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider error (status %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider error (status %d): %s", e.Status, e.Message)
}

// errorBody はGoTrueのエラーレスポンス形式。
// バージョンによりmsg/error_code形式とerror/error_description形式がある。
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	ErrorName        string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// parseError はレスポンスボディからErrorを組み立てる。
func parseError(status int, body []byte) *Error {
	e := &Error{Status: status}

	var b errorBody
	if err := json.Unmarshal(body, &b); err != nil {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}

	switch {
	case b.ErrorCode != "":
		e.Code = b.ErrorCode
	case b.ErrorName != "":
		e.Code = b.ErrorName
	}

	for _, m := range []string{b.Msg, b.Message, b.ErrorDescription} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// ErrAlreadyRegistered はメール確認が有効な環境で既存アドレスにサインアップした場合に返す。
// GoTrueはこのケースでidentitiesが空のユーザーを200で返すため、クライアント側で判定する。
var ErrAlreadyRegistered = &Error{Status: http.StatusUnprocessableEntity, Code: "user_already_exists", Message: "User already registered"}

// IsInvalidCredentials はメールアドレスまたはパスワード誤りのエラーかを判定する。
func IsInvalidCredentials(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Code == "invalid_credentials" {
		return true
	}
	return e.Code == "invalid_grant" && strings.Contains(strings.ToLower(e.Message), "invalid login credentials")
}

// IsAlreadyRegistered は登録済みメールアドレスのエラーかを判定する。
func IsAlreadyRegistered(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case "user_already_exists", "email_exists":
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "already registered")
}

// IsUnavailable はProvider側の障害（5xx）かを判定する。
func IsUnavailable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Status >= http.StatusInternalServerError
}
