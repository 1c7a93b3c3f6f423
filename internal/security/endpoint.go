package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrUnsafeEndpoint = errors.New("unsafe callback endpoint")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks a notification callback URL before the
// engine starts posting to it. Private, loopback, link-local and
// unspecified addresses are refused, both as literals and after DNS
// resolution. Production callbacks must use https.
func ValidateEndpointURL(rawURL string, requireTLS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeEndpoint, err)
	}
	switch {
	case u.Scheme != "https" && u.Scheme != "http":
		return fmt.Errorf("%w: scheme %q", ErrUnsafeEndpoint, u.Scheme)
	case requireTLS && u.Scheme != "https":
		return fmt.Errorf("%w: https required", ErrUnsafeEndpoint)
	case u.Hostname() == "":
		return fmt.Errorf("%w: missing host", ErrUnsafeEndpoint)
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrUnsafeEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrUnsafeEndpoint, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("%s resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrUnsafeEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrUnsafeEndpoint)
	}
	return nil
}
