// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// blockedNetworks は本番環境でIdentity Providerの接続先として拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ProviderClientOptions はIdentity Provider向けHTTPクライアントの設定。
type ProviderClientOptions struct {
	// BaseURL はProviderのURL（例: https://xyz.supabase.co）。
	BaseURL string
	// Timeout はリクエスト全体のタイムアウト。
	Timeout time.Duration
	// AllowPrivate はローカル開発用にループバック・プライベートアドレスへの接続を許可する。
	// 本番環境では常にfalseとする。
	AllowPrivate bool
}

// NewProviderClient はIdentity Provider呼び出し用のHTTPクライアントを生成する。
//
// AllowPrivate=falseの場合、safeurlによりDNS解決後のIPアドレスも検証され、
// 設定ミスやDNS再バインディングで内部ネットワークへ接続することを防ぐ。
// 許可スキームはhttps、許可ポートはBaseURLのポートのみ。
func NewProviderClient(opts ProviderClientOptions) (*http.Client, error) {
	if err := ValidateProviderURL(opts.BaseURL, opts.AllowPrivate); err != nil {
		return nil, err
	}

	if opts.AllowPrivate {
		return &http.Client{Timeout: opts.Timeout}, nil
	}

	parsed, _ := url.Parse(opts.BaseURL)
	port := 443
	if p := parsed.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(opts.Timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(port).
		Build()

	return safeurl.Client(config).Client, nil
}

// ValidateProviderURL はProvider URLを静的に検証する。
// allowPrivate=falseの場合はhttpsのみ許可し、IPリテラル・localhostのブロック対象を拒否する。
func ValidateProviderURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("empty provider URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid provider URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in provider URL: %s", rawURL)
	}

	if allowPrivate {
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("disallowed scheme: %s", scheme)
		}
		return nil
	}

	if scheme != "https" {
		return fmt.Errorf("provider URL must use https, got %s", scheme)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return fmt.Errorf("blocked IP address: %s", ip.String())
	}
	return nil
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
