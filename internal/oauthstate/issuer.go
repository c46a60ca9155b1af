package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/maidconnect/internal/identity"
	"github.com/hitoshi/maidconnect/internal/model"
)

const (
	rolePrefix  = "role_"
	loginPrefix = "login_"
	nonceBytes  = 16
)

// Issuer はstate文字列の発行と検証を行う。
//
// state文字列の形式:
//   - ロール選択済み: role_<role>_<nonce>
//   - ロール未選択:   login_<nonce>
type Issuer struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewIssuer はIssuerを生成する。ttlはIssueで使う既定の有効期間。
func NewIssuer(store Store, ttl time.Duration) *Issuer {
	return &Issuer{store: store, ttl: ttl, now: time.Now}
}

// Issue は既定の有効期間でstateを発行し、stateとPKCEのcode_verifierを返す。
func (i *Issuer) Issue(ctx context.Context, role *model.Role) (string, string, error) {
	return i.IssueWithTTL(ctx, role, i.ttl)
}

// IssueWithTTL は指定した有効期間でstateを発行する。
// メール確認リンクのように利用者の操作を待つフローでは長めのttlを指定する。
func (i *Issuer) IssueWithTTL(ctx context.Context, role *model.Role, ttl time.Duration) (string, string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", "", err
	}
	verifier, err := identity.NewCodeVerifier()
	if err != nil {
		return "", "", err
	}

	entry := &Entry{Nonce: nonce, CodeVerifier: verifier, CreatedAt: i.now()}
	state := loginPrefix + nonce
	if role != nil {
		if !role.Valid() {
			return "", "", fmt.Errorf("invalid role for oauth state: %q", *role)
		}
		entry.Role = *role
		state = rolePrefix + string(*role) + "_" + nonce
	}

	if err := i.store.Save(ctx, entry, ttl); err != nil {
		return "", "", err
	}
	return state, verifier, nil
}

// Redeem はstate文字列を検証してエントリを消費する。
// state中のロールと保存済みロールが一致しない場合も消費した上でErrUnknownStateを返す。
func (i *Issuer) Redeem(ctx context.Context, state string) (*Entry, error) {
	var roleValue, nonce string
	switch {
	case strings.HasPrefix(state, rolePrefix):
		rest := strings.TrimPrefix(state, rolePrefix)
		sep := strings.LastIndexByte(rest, '_')
		if sep <= 0 {
			return nil, ErrUnknownState
		}
		roleValue, nonce = rest[:sep], rest[sep+1:]
	case strings.HasPrefix(state, loginPrefix):
		nonce = strings.TrimPrefix(state, loginPrefix)
	default:
		return nil, ErrUnknownState
	}
	if nonce == "" {
		return nil, ErrUnknownState
	}

	entry, err := i.store.Consume(ctx, nonce)
	if err != nil {
		return nil, err
	}
	if string(entry.Role) != roleValue {
		return nil, ErrUnknownState
	}
	return entry, nil
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
