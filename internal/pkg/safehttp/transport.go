// Package safehttp guards outbound connections that components make on a
// request's behalf.
package safehttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrPrivateAddress is returned when a connection resolves to a loopback,
// private or link-local address.
var ErrPrivateAddress = errors.New("access to private address is denied")

const defaultDialTimeout = 5 * time.Second

// NewTransport returns a clone of base that refuses connections to private
// address ranges to reduce SSRF risk. A nil base clones http.DefaultTransport.
func NewTransport(base *http.Transport) *http.Transport {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}
	t := base.Clone()
	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		// Checked after connecting so DNS answers cannot be swapped in between.
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}
		if !Allowed(ip) {
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
		}
		return conn, nil
	}
	return t
}

// Allowed reports whether ip is a public destination.
func Allowed(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified())
}
