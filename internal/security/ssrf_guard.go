// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はSSRF防止でブロックされるネットワーク範囲。
// safeurlはnet.DialerレベルでDNS解決後のIPアドレスも検証するため、
// ここでの照合はリクエスト前の静的チェックに限られる。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16", // クラウドメタデータIPを含む
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

// ErrNotImage は取得したリソースが画像でないことを示す。
var ErrNotImage = errors.New("resource is not an image")

// SSRFGuard はユーザー由来のURL（プロフィール画像など）を安全に取得する。
// バックエンドが返すphotoURLはユーザーが設定できるため、内部ネットワークへの到達を防ぐ。
type SSRFGuard struct {
	client   *http.Client
	maxSize  int64
	validate func(string) error
}

// NewSSRFGuard はSSRFGuardを生成する。
// safeurlのクライアントはプライベートIP、ループバック、リンクローカル、メタデータIPへの接続を拒否する。
func NewSSRFGuard(timeout time.Duration, maxSize int64) *SSRFGuard {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return &SSRFGuard{
		client:   safeurl.Client(config).Client,
		maxSize:  maxSize,
		validate: ValidateURL,
	}
}

// newSSRFGuardWithClient はテスト用に任意のクライアントと事前検証でSSRFGuardを生成する。
func newSSRFGuardWithClient(client *http.Client, maxSize int64, validate func(string) error) *SSRFGuard {
	return &SSRFGuard{client: client, maxSize: maxSize, validate: validate}
}

// FetchImage は画像を取得し、本文とContent-Typeを返す。
// 取得前にURLを静的に検証し、画像以外のレスポンスやサイズ超過はエラーとする。
func (g *SSRFGuard) FetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := g.validate(rawURL); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create image request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image request returned status %d", resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") || mediaType == "image/svg+xml" {
		return nil, "", ErrNotImage
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > g.maxSize {
		return nil, "", fmt.Errorf("image exceeds %d bytes", g.maxSize)
	}
	return data, mediaType, nil
}

// ValidateURL はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証で、DNS再バインディングはsafeurlのDialer側で防止される。
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(allowedSchemes, scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
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

func mustParseCIDRs(cidrs ...string) []net.IPNet {
	networks := make([]net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		networks = append(networks, *network)
	}
	return networks
}
