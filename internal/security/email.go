package security

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeEmail はメールアドレスを比較・保存用の正規形に変換する。
// ローカル部とドメインを小文字化し、国際化ドメインはPunycode（ASCII）に変換する。
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("invalid email address: %q", email)
	}

	local := strings.ToLower(email[:at])
	domain, err := idna.Lookup.ToASCII(strings.ToLower(email[at+1:]))
	if err != nil {
		return "", fmt.Errorf("invalid email domain: %w", err)
	}
	if !strings.Contains(domain, ".") {
		return "", fmt.Errorf("invalid email domain: %q", domain)
	}

	return local + "@" + domain, nil
}
