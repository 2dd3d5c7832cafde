package worker

import (
	"context"
	"net"
	"net/url"
	"time"
)

// ReachableProbe reports whether a TCP connection to the host of rawURL can be
// opened. It stands in for a network-connectivity constraint on jobs.
func ReachableProbe(rawURL string, timeout time.Duration) func(ctx context.Context) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	addr := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
