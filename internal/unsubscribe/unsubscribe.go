// Package unsubscribe acts on List-Unsubscribe targets found by a scan.
//
// Only RFC 8058 one-click targets are requested automatically. Every target
// is checked before any request: https only, no credentials in the URL, and
// no host that resolves to a loopback, private or link-local address. The
// default transport repeats the address check at dial time so a DNS answer
// cannot change between validation and connect.
package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// ErrUnsafeURL marks a target refused before any request was made.
var ErrUnsafeURL = errors.New("unsafe unsubscribe url")

const (
	requestTimeout = 15 * time.Second
	oneClickBody   = "List-Unsubscribe=One-Click"
	maxDrainBytes  = 64 << 10
)

// carrierNAT is 100.64.0.0/10, which netip does not classify as private.
var carrierNAT = netip.MustParsePrefix("100.64.0.0/10")

// Resolver looks up the addresses of host.
type Resolver func(ctx context.Context, host string) ([]netip.Addr, error)

// Client performs one-click unsubscribe requests.
type Client struct {
	HTTP    *http.Client
	Resolve Resolver
}

// New returns a Client whose transport refuses non-public addresses.
func New() *Client {
	return &Client{HTTP: SafeHTTPClient(), Resolve: systemResolve}
}

// SafeHTTPClient never follows redirects and refuses to dial non-public
// addresses.
func SafeHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return fmt.Errorf("%w: dial %s: %w", ErrUnsafeURL, address, err)
			}
			if !PublicAddr(ap.Addr()) {
				return fmt.Errorf("%w: %s is not a public address", ErrUnsafeURL, ap.Addr())
			}
			return nil
		},
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	tr.DialContext = dialer.DialContext
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: tr,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// PublicAddr reports whether addr is routable on the public internet.
func PublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		carrierNAT.Contains(addr):
		return false
	}
	return true
}

// Validate parses target and refuses anything but an https URL on a public
// host.
func (c *Client) Validate(ctx context.Context, target string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsafeURL, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, fmt.Errorf("%w: scheme %q is not https", ErrUnsafeURL, u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in url", ErrUnsafeURL)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("%w: host %s", ErrUnsafeURL, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if !PublicAddr(addr) {
			return nil, fmt.Errorf("%w: %s is not a public address", ErrUnsafeURL, addr)
		}
		return u, nil
	}
	resolve := c.Resolve
	if resolve == nil {
		resolve = systemResolve
	}
	addrs, err := resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, addr := range addrs {
		if !PublicAddr(addr) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrUnsafeURL, host, addr)
		}
	}
	return u, nil
}

// OneClick sends the RFC 8058 POST to target. Any 2xx answer counts as
// success.
func (c *Client) OneClick(ctx context.Context, target string) error {
	u, err := c.Validate(ctx, target)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(oneClickBody))
	if err != nil {
		return fmt.Errorf("build unsubscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := c.HTTP
	if hc == nil {
		hc = SafeHTTPClient()
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("post unsubscribe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post unsubscribe: unexpected status %s", resp.Status)
	}
	return nil
}

// OpenBrowser hands an https link to the desktop's default browser.
func OpenBrowser(link string) error {
	if !strings.HasPrefix(strings.ToLower(link), "https://") {
		return fmt.Errorf("%w: refusing to open %q", ErrUnsafeURL, link)
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", link)
	case "linux":
		cmd = exec.Command("xdg-open", link)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", link)
	default:
		return fmt.Errorf("open browser: unsupported platform %s", runtime.GOOS)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}

func systemResolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}
