// Package security provides the primitives that keep the step and tool
// system from being abused as an SSRF or code-injection vector: an outbound
// URL validator, a restricted condition evaluator for DAG edge expressions,
// and secret redaction helpers for log output.
package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Hostnames that are never valid fetch targets regardless of what they
// resolve to. Covers loopback aliases and cloud metadata endpoints.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"127.0.0.1":                true,
	"0.0.0.0":                  true,
	"::1":                      true,
	"169.254.169.254":          true,
	"metadata.google.internal": true,
	"metadata.azure.com":       true,
	"100.100.100.200":          true,
}

// Resolver abstracts DNS resolution so validation is testable without
// network access. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// URLCheck is the outcome of validating an outbound URL.
type URLCheck struct {
	Valid    bool
	Hostname string
	Err      error
}

// URLValidator rejects URLs that would let a workflow reach internal
// infrastructure. It must run before every outbound fetch triggered by a
// step or tool; the secure HTTP client is the single enforcement point.
type URLValidator struct {
	resolver      Resolver
	dnsTimeout    time.Duration
	allowLoopback bool
}

// ValidatorOption is a functional option for configuring URLValidator.
type ValidatorOption func(*URLValidator)

// WithResolver overrides the DNS resolver used for private-IP checks.
func WithResolver(r Resolver) ValidatorOption {
	return func(v *URLValidator) {
		v.resolver = r
	}
}

// WithDNSTimeout bounds the best-effort DNS lookup.
func WithDNSTimeout(d time.Duration) ValidatorOption {
	return func(v *URLValidator) {
		if d > 0 {
			v.dnsTimeout = d
		}
	}
}

// WithAllowLoopback permits loopback targets. Intended for local
// development against services on the developer's own machine; metadata
// endpoints and private ranges stay blocked.
func WithAllowLoopback() ValidatorOption {
	return func(v *URLValidator) {
		v.allowLoopback = true
	}
}

// NewURLValidator creates a URLValidator with the system resolver and a
// 3 second DNS timeout.
func NewURLValidator(opts ...ValidatorOption) *URLValidator {
	v := &URLValidator{
		resolver:   net.DefaultResolver,
		dnsTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateURL checks a raw URL for SSRF safety. It rejects non-http(s)
// schemes, blocklisted hostnames, literal private/loopback/link-local IPs,
// and hostnames that resolve to such addresses. DNS failures are non-fatal:
// a flaky resolver must not block legitimate domains, and the address the
// socket ultimately connects to is re-checked by the dialer anyway.
func (v *URLValidator) ValidateURL(ctx context.Context, rawURL string) URLCheck {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return URLCheck{Err: fmt.Errorf("invalid URL: %w", err)}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return URLCheck{Err: fmt.Errorf("scheme %q is not allowed, only http and https", parsed.Scheme)}
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return URLCheck{Err: fmt.Errorf("URL has no hostname")}
	}

	if blockedHostnames[hostname] && !(v.allowLoopback && loopbackHostname(hostname)) {
		return URLCheck{Hostname: hostname, Err: fmt.Errorf("hostname %q is blocked", hostname)}
	}

	// Literal IP in the URL: no DNS needed.
	if ip := net.ParseIP(hostname); ip != nil {
		if v.allowLoopback && ip.IsLoopback() {
			return URLCheck{Valid: true, Hostname: hostname}
		}
		if isForbiddenIP(ip) {
			return URLCheck{Hostname: hostname, Err: fmt.Errorf("IP address %s is in a private or reserved range", ip)}
		}
		return URLCheck{Valid: true, Hostname: hostname}
	}

	// Best-effort resolution to catch domains pointed at internal addresses.
	lookupCtx, cancel := context.WithTimeout(ctx, v.dnsTimeout)
	defer cancel()

	addrs, err := v.resolver.LookupIPAddr(lookupCtx, hostname)
	if err != nil {
		// Fail open on resolver errors.
		return URLCheck{Valid: true, Hostname: hostname}
	}

	for _, addr := range addrs {
		if v.allowLoopback && addr.IP.IsLoopback() {
			continue
		}
		if isForbiddenIP(addr.IP) {
			return URLCheck{Hostname: hostname, Err: fmt.Errorf("hostname %q resolves to private address %s", hostname, addr.IP)}
		}
	}

	return URLCheck{Valid: true, Hostname: hostname}
}

// isForbiddenIP reports whether an address falls in a range a workflow must
// never reach: loopback, RFC1918 private, link-local (including the cloud
// metadata range), and unspecified addresses.
func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// loopbackHostname reports whether a blocklisted hostname is a plain
// loopback alias rather than a metadata endpoint.
func loopbackHostname(hostname string) bool {
	switch hostname {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HostAllowed reports whether hostname is covered by the allow-list: an
// exact match or a subdomain of one of the entries. An empty allow-list
// permits every hostname that passed SSRF validation.
func HostAllowed(hostname string, allowedDomains []string) bool {
	if len(allowedDomains) == 0 {
		return true
	}
	hostname = strings.ToLower(hostname)
	for _, domain := range allowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
			return true
		}
	}
	return false
}
