package guard

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var proxyPattern = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3}):(\d{1,5})$`)

// ValidateProxy reports whether candidate is a strict "ip:port" entry with a
// public IPv4 address and a port in [1,65535].
func ValidateProxy(candidate string) bool {
	m := proxyPattern.FindStringSubmatch(strings.TrimSpace(candidate))
	if m == nil {
		return false
	}
	for _, octet := range m[1:5] {
		n, err := strconv.Atoi(octet)
		if err != nil || n > 255 {
			return false
		}
	}
	port, err := strconv.Atoi(m[5])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	ip := net.ParseIP(strings.Join(m[1:5], "."))
	return ip != nil && !IsBlockedIP(ip)
}

var proxySchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks4":  true,
	"socks5":  true,
	"socks5h": true,
}

// ValidateProxyURL checks a proxy URL before it is injected into a tool's
// environment: known scheme, host and port, nothing else.
func ValidateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if !proxySchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("proxy scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("proxy URL must not carry credentials")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("proxy URL has no host")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("proxy URL needs a port in 1-65535")
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("proxy URL must not have a path, query or fragment")
	}
	return nil
}
