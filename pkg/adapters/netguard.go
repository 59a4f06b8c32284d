package adapters

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

var (
	ErrHostNotAllowlisted = errors.New("adapters: host not in domain allowlist")
	ErrPrivateAddress     = errors.New("adapters: private or reserved address blocked")
	ErrPortBlocked        = errors.New("adapters: only ports 80 and 443 are permitted")
	ErrSchemeBlocked      = errors.New("adapters: only https is permitted")
)

// HostGuard enforces the outbound network policy for one manifest's
// domain allowlist. ValidateURL runs before the request is built;
// Control runs inside the dialer after DNS resolution, so rebinding a
// hostname to a private address between the two checks still fails.
type HostGuard struct {
	allowlist     map[string]struct{}
	allowLoopback bool
}

// NewHostGuard builds a guard from allowlist entries. Entries are
// folded to lowercase. allowLoopback relaxes the scheme, port, and
// private-address rules for loopback targets only; it exists for local
// development and tests, never production manifests.
func NewHostGuard(allowlist []string, allowLoopback bool) *HostGuard {
	m := make(map[string]struct{}, len(allowlist))
	for _, d := range allowlist {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			m[d] = struct{}{}
		}
	}
	return &HostGuard{allowlist: m, allowLoopback: allowLoopback}
}

// ValidateURL checks scheme, host, and port against the policy and
// returns the parsed URL.
func (g *HostGuard) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("adapters: parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: url has no host", ErrHostNotAllowlisted)
	}
	loopback := g.isLoopbackHost(host)

	switch u.Scheme {
	case "https":
	case "http":
		if !loopback {
			return nil, fmt.Errorf("%w: got %q", ErrSchemeBlocked, u.Scheme)
		}
	default:
		return nil, fmt.Errorf("%w: got %q", ErrSchemeBlocked, u.Scheme)
	}

	if _, ok := g.allowlist[host]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrHostNotAllowlisted, host)
	}

	if err := g.checkPort(u.Port(), u.Scheme, loopback); err != nil {
		return nil, err
	}

	// Hosts that are IP literals or well-known internal names never
	// need DNS to be judged.
	if addr, perr := netip.ParseAddr(strings.Trim(host, "[]")); perr == nil {
		if g.isBlockedAddr(addr) {
			return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
	} else if isInternalName(host) && !(g.allowLoopback && host == "localhost") {
		return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}

	return u, nil
}

// Control is installed as net.Dialer.Control. It sees the address the
// socket actually connects to, after DNS.
func (g *HostGuard) Control(_, address string, _ syscall.RawConn) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("adapters: split dial address %q: %w", address, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("adapters: parse dial address %q: %w", address, err)
	}
	if g.isBlockedAddr(addr) {
		return fmt.Errorf("%w: resolved to %s", ErrPrivateAddress, addr)
	}
	loopback := addr.Unmap().IsLoopback()
	if err := g.checkPort(port, "", loopback); err != nil {
		return err
	}
	return nil
}

func (g *HostGuard) checkPort(port, scheme string, loopback bool) error {
	if g.allowLoopback && loopback {
		return nil
	}
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		default:
			port = "443"
		}
	}
	if port != "80" && port != "443" {
		return fmt.Errorf("%w: got %s", ErrPortBlocked, port)
	}
	return nil
}

func (g *HostGuard) isBlockedAddr(addr netip.Addr) bool {
	a := addr.Unmap()
	if a.IsLoopback() {
		return !g.allowLoopback
	}
	return a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() ||
		a.IsMulticast() ||
		a.IsUnspecified()
}

func (g *HostGuard) isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.Unmap().IsLoopback()
	}
	return false
}

// isInternalName blocks hostnames that by convention never resolve to
// public addresses.
func isInternalName(host string) bool {
	return host == "localhost" ||
		strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal")
}
