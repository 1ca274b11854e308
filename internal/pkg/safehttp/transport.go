// Package safehttp builds outbound HTTP transports that refuse to dial
// non-public addresses.
package safehttp

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrPrivateAddress is returned when a dial targets a non-public address.
var ErrPrivateAddress = errors.New("access to private address denied")

// Transport returns a clone of http.DefaultTransport whose dialer checks the
// resolved address before connecting.
func Transport(dialTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{
		Timeout: dialTimeout,
		Control: control,
	}
	t.DialContext = dialer.DialContext
	return t
}

func control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("split %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("failed to parse remote IP for %q", address)
	}
	if Denied(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}
	return nil
}

// Denied reports whether ip is loopback, RFC 1918/4193 private, link-local or
// unspecified.
func Denied(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
