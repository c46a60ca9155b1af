package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// codeVerifierBytes はcode_verifierの生成に使う乱数のバイト数。
// base64url化すると43文字となり、RFC 7636の下限（43文字）を満たす。
const codeVerifierBytes = 32

// NewCodeVerifier はPKCEのcode_verifierを生成する。
func NewCodeVerifier() (string, error) {
	b := make([]byte, codeVerifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallenge はS256方式のcode_challengeを計算する。
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
