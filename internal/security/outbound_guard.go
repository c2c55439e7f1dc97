package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard は外部への通知送信で使うSSRF防止機能のインターフェース。
// Webhook通知先は設定値だが、内部ネットワークへの到達は許可しない。
type OutboundGuard interface {
	// NewSafeClient はプライベートIP・ループバック・リンクローカル・メタデータIPへの
	// 接続を拒否するHTTPクライアントを生成する。DNS解決後のIPも検証される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的な検証を行う。起動時の設定検証に使用する。
	ValidateURL(rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

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

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// outboundGuard はOutboundGuardの実装。
type outboundGuard struct {
	ports []int
}

// NewOutboundGuard はOutboundGuardを生成する。portsを省略した場合は80と443のみ許可する。
func NewOutboundGuard(ports ...int) *outboundGuard {
	if len(ports) == 0 {
		ports = []int{80, 443}
	}
	return &outboundGuard{ports: ports}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
func (g *outboundGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(config).Client
}

// ValidateURL は通知先URLを静的に検証する。
func (g *outboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %s", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range blockedNetworks {
			if n.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip)
			}
		}
	}
	return nil
}
