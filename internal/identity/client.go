package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/maidconnect/internal/model"
)

// maxResponseBytes はProviderレスポンスの読み取り上限。
const maxResponseBytes = 1 << 20

// ErrNoServiceRoleKey はservice roleキー未設定で管理APIを呼び出した場合のエラー。
var ErrNoServiceRoleKey = errors.New("identity: service role key is not configured")

// ClientConfig はGoTrueクライアントの設定。
type ClientConfig struct {
	// BaseURL はプロジェクトURL（例: https://xyz.supabase.co）。/auth/v1は付けない。
	BaseURL        string
	AnonKey        string
	ServiceRoleKey string
	// HTTPClient は本番ではsecurity.NewProviderClientで生成したクライアントを渡す。
	HTTPClient *http.Client
	// Now はテスト用に差し替え可能な現在時刻関数。
	Now func() time.Time
}

// Client はGoTrue REST APIを呼び出すProvider実装。
type Client struct {
	baseURL        string
	anonKey        string
	serviceRoleKey string
	httpClient     *http.Client
	now            func() time.Time
}

// NewClient はClientを生成する。
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/") + "/auth/v1",
		anonKey:        cfg.AnonKey,
		serviceRoleKey: cfg.ServiceRoleKey,
		httpClient:     httpClient,
		now:            now,
	}
}

// userResponse はGoTrueのユーザーオブジェクト。
type userResponse struct {
	ID               string            `json:"id"`
	Email            string            `json:"email"`
	EmailConfirmedAt *time.Time        `json:"email_confirmed_at"`
	UserMetadata     map[string]any    `json:"user_metadata"`
	Identities       []json.RawMessage `json:"identities"`
}

func (u *userResponse) toModel() *model.User {
	if u == nil || u.ID == "" {
		return nil
	}
	user := &model.User{
		ID:               u.ID,
		Email:            u.Email,
		Metadata:         u.UserMetadata,
		EmailConfirmedAt: u.EmailConfirmedAt,
	}
	user.FullName = user.MetadataFullName()
	return user
}

// sessionResponse はトークンエンドポイントのレスポンス。
type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

func (s *sessionResponse) toSession(now time.Time) *Session {
	expiresAt := now.Add(time.Duration(s.ExpiresIn) * time.Second)
	if s.ExpiresAt > 0 {
		expiresAt = time.Unix(s.ExpiresAt, 0)
	}
	return &Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         s.User.toModel(),
	}
}

// apiRequest は1回のAPI呼び出しを表す。
type apiRequest struct {
	method string
	path   string
	query  url.Values
	body   any
	bearer string
	admin  bool
}

// do はAPIを呼び出し、2xxの場合はoutにJSONをデコードする。
// 2xx以外は*Errorを返す。
func (c *Client) do(ctx context.Context, r apiRequest, out any) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	apiKey := c.anonKey
	if r.admin {
		apiKey = c.serviceRoleKey
	}
	bearer := r.bearer
	if bearer == "" {
		bearer = apiKey
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read identity provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse identity provider response: %w", err)
	}
	return nil
}

// tokenGrant はtokenエンドポイントを呼び出してセッションを返す。
func (c *Client) tokenGrant(ctx context.Context, grantType string, body any) (*Session, error) {
	var resp sessionResponse
	err := c.do(ctx, apiRequest{
		method: http.MethodPost,
		path:   "/token",
		query:  url.Values{"grant_type": {grantType}},
		body:   body,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in %s grant response", grantType)
	}
	return resp.toSession(c.now()), nil
}

// SignUp はメールアドレスとパスワードでユーザーを作成する。
// メール確認が有効な場合、レスポンスはユーザーのみでSessionはnilとなる。
func (c *Client) SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error) {
	body := map[string]any{
		"email":    params.Email,
		"password": params.Password,
		"data":     params.Metadata,
	}
	if params.CodeChallenge != "" {
		body["code_challenge"] = params.CodeChallenge
		body["code_challenge_method"] = "s256"
	}

	var query url.Values
	if params.RedirectTo != "" {
		query = url.Values{"redirect_to": {params.RedirectTo}}
	}

	var raw json.RawMessage
	if err := c.do(ctx, apiRequest{method: http.MethodPost, path: "/signup", query: query, body: body}, &raw); err != nil {
		return nil, err
	}

	var sess sessionResponse
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse signup response: %w", err)
	}
	if sess.AccessToken != "" {
		s := sess.toSession(c.now())
		return &SignUpResult{User: s.User, Session: s}, nil
	}

	var user userResponse
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("failed to parse signup user: %w", err)
	}
	if user.Identities != nil && len(user.Identities) == 0 {
		return nil, ErrAlreadyRegistered
	}
	u := user.toModel()
	if u == nil {
		return nil, fmt.Errorf("empty user in signup response")
	}
	return &SignUpResult{User: u}, nil
}

// SignInWithPassword はパスワードグラントでセッションを取得する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	return c.tokenGrant(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
}

// AuthorizeURL はOAuthプロバイダーへの認可URLを生成する。
func (c *Client) AuthorizeURL(params AuthorizeParams) (string, error) {
	if params.Provider == "" {
		return "", fmt.Errorf("empty oauth provider")
	}

	q := url.Values{"provider": {params.Provider}}
	if params.RedirectTo != "" {
		q.Set("redirect_to", params.RedirectTo)
	}
	if params.CodeChallenge != "" {
		q.Set("code_challenge", params.CodeChallenge)
		q.Set("code_challenge_method", "s256")
	}
	for k, v := range params.QueryParams {
		q.Set(k, v)
	}
	return c.baseURL + "/authorize?" + q.Encode(), nil
}

// ExchangeCodeForSession はPKCEの認可コードをセッションに交換する。
func (c *Client) ExchangeCodeForSession(ctx context.Context, code, codeVerifier string) (*Session, error) {
	return c.tokenGrant(ctx, "pkce", map[string]string{
		"auth_code":     code,
		"code_verifier": codeVerifier,
	})
}

// GetUser はアクセストークンに対応するユーザーを取得する。
func (c *Client) GetUser(ctx context.Context, accessToken string) (*model.User, error) {
	var resp userResponse
	if err := c.do(ctx, apiRequest{method: http.MethodGet, path: "/user", bearer: accessToken}, &resp); err != nil {
		return nil, err
	}
	u := resp.toModel()
	if u == nil {
		return nil, fmt.Errorf("empty user in response")
	}
	return u, nil
}

// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	return c.tokenGrant(ctx, "refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
}

// SignOut はアクセストークンを失効させる。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, apiRequest{method: http.MethodPost, path: "/logout", bearer: accessToken}, nil)
}

// RecoverPassword はパスワードリセットメールを送信する。
// codeChallengeを指定するとリセットリンクはPKCEの認可コード付きでredirectToへ戻る。
func (c *Client) RecoverPassword(ctx context.Context, email, redirectTo, codeChallenge string) error {
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	body := map[string]string{"email": email}
	if codeChallenge != "" {
		body["code_challenge"] = codeChallenge
		body["code_challenge_method"] = "s256"
	}
	return c.do(ctx, apiRequest{
		method: http.MethodPost,
		path:   "/recover",
		query:  query,
		body:   body,
	}, nil)
}

// UpdatePassword はサインイン中のユーザーのパスワードを変更する。
func (c *Client) UpdatePassword(ctx context.Context, accessToken, password string) error {
	return c.do(ctx, apiRequest{
		method: http.MethodPut,
		path:   "/user",
		body:   map[string]string{"password": password},
		bearer: accessToken,
	}, nil)
}

// UpdateUserMetadata はservice roleキーでuser_metadataを更新する。
func (c *Client) UpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) error {
	if c.serviceRoleKey == "" {
		return ErrNoServiceRoleKey
	}
	return c.do(ctx, apiRequest{
		method: http.MethodPut,
		path:   "/admin/users/" + url.PathEscape(userID),
		body:   map[string]any{"user_metadata": metadata},
		admin:  true,
	}, nil)
}

// compile-time interface check
var _ Provider = (*Client)(nil)
