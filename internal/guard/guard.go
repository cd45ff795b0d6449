// Package guard implements the safety checks that run before any network or
// process I/O: URL validation against SSRF targets, proxy validation, and
// byte ceilings for response bodies.
//
// Checks are cheap and side-effect free so callers can (and must) repeat them
// before every hop, including each redirect target.
package guard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/idna"

	"github.com/hermesosint/hermes/internal/domain"
)

const defaultLookupTimeout = 5 * time.Second

// blockedPorts are ports of internal services that a public OSINT source
// never legitimately listens on.
var blockedPorts = map[int]bool{
	22:    true, // ssh
	23:    true, // telnet
	25:    true, // smtp
	110:   true, // pop3
	143:   true, // imap
	445:   true, // smb
	3306:  true, // mysql
	3389:  true, // rdp
	5432:  true, // postgres
	6379:  true, // redis
	8080:  true, // local admin panels
	27017: true, // mongodb
}

var blockedNets = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	"2001::/23", // IETF protocol assignments, Teredo
	"2001:db8::/32",
	"2002::/16", // 6to4, embeds IPv4
)

// globalUnicast6 is the only IPv6 space handed out for public use. Everything
// outside it (IPv4-compatible ::/8, NAT64 64:ff9b::/96, discard 100::/64 and
// the unassigned blocks) is reserved.
var globalUnicast6 = mustParseCIDRs("2000::/3")[0]

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("guard: bad CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// IsBlockedIP reports whether ip is private, loopback, link-local, multicast,
// unspecified or otherwise reserved. IPv4-mapped IPv6 addresses are unwrapped.
func IsBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	} else if !globalUnicast6.Contains(ip) {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsBlockedPort reports whether port belongs to the internal-service denylist.
func IsBlockedPort(port int) bool {
	return blockedPorts[port]
}

// Resolver resolves a hostname to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates URLs against the SSRF policy using its resolver.
type Guard struct {
	resolver Resolver
	timeout  time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithDNSServer resolves through a pinned upstream (host:port) instead of the
// system resolver.
func WithDNSServer(addr string) Option {
	return func(g *Guard) {
		if addr != "" {
			g.resolver = NewDNSResolver(addr, g.timeout)
		}
	}
}

// New creates a Guard. Without options it uses net.DefaultResolver.
func New(opts ...Option) *Guard {
	g := &Guard{resolver: net.DefaultResolver, timeout: defaultLookupTimeout}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsSafeURL resolves with the system resolver. See Guard.IsSafeURL.
func IsSafeURL(raw string) bool {
	return New().IsSafeURL(context.Background(), raw)
}

// IsSafeURL reports whether raw may be fetched. Malformed input and
// resolution failures are unsafe.
func (g *Guard) IsSafeURL(ctx context.Context, raw string) bool {
	return g.CheckURL(ctx, raw) == nil
}

// CheckURL is IsSafeURL with a reason. Every returned error wraps
// domain.ErrSSRFBlocked.
func (g *Guard) CheckURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return blocked("malformed URL: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return blocked("scheme %q not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return blocked("missing hostname")
	}

	port, err := effectivePort(u)
	if err != nil {
		return blocked("%v", err)
	}
	if IsBlockedPort(port) {
		return blocked("port %d is denylisted", port)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsBlockedIP(ip) {
			return blocked("address %s is not public", ip)
		}
		return nil
	}

	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(host, "."))
	if err != nil {
		return blocked("invalid hostname %q: %v", host, err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	addrs, err := g.resolver.LookupIPAddr(lookupCtx, ascii)
	if err != nil {
		return blocked("resolving %q: %v", ascii, err)
	}
	if len(addrs) == 0 {
		return blocked("%q has no addresses", ascii)
	}
	// Every address must be public; a mixed answer is a rebinding setup.
	for _, a := range addrs {
		if IsBlockedIP(a.IP) {
			return blocked("%q resolves to non-public address %s", ascii, a.IP)
		}
	}
	return nil
}

// Control is a net.Dialer Control hook that refuses connections to blocked
// addresses. It re-checks the IP actually being dialed, after resolution.
func (g *Guard) Control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return blocked("dial address %q: %v", address, err)
	}
	if IsBlockedIP(net.ParseIP(host)) {
		return blocked("dial to non-public address %s", host)
	}
	return nil
}

func effectivePort(u *url.URL) (int, error) {
	p := u.Port()
	if p == "" {
		if strings.EqualFold(u.Scheme, "https") {
			return 443, nil
		}
		return 80, nil
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return n, nil
}

func blocked(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrSSRFBlocked, fmt.Sprintf(format, args...))
}

// SanitizeURL strips credentials, query and fragment so a URL can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
