package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Public resolvers raced when the system resolver cannot answer. Captive
// portals and broken corporate DNS are the usual culprits.
var publicResolvers = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
}

// lookupHost resolves the relay hostname, trying the system resolver first
// and falling back to a race across public resolvers.
func lookupHost(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if ip, err := systemLookup(ctx, host); err == nil {
		return ip, nil
	}
	return racedLookup(ctx, host)
}

func systemLookup(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var r net.Resolver
	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return pickAddress(ips)
}

// racedLookup queries every public resolver at once and returns the first
// usable answer.
func racedLookup(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	answers := make(chan string, len(publicResolvers))
	for _, server := range publicResolvers {
		go func(server string) {
			ip, err := resolverLookup(ctx, host, server)
			if err != nil {
				answers <- ""
				return
			}
			answers <- ip
		}(server)
	}

	for range publicResolvers {
		select {
		case ip := <-answers:
			if ip != "" {
				return ip, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("resolve %s: every public resolver failed", host)
}

// resolverLookup asks one specific DNS server for the host.
func resolverLookup(ctx context.Context, host, server string) (string, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
		},
	}

	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return pickAddress(ips)
}

// pickAddress prefers IPv4 so the answer works on v4-only networks.
func pickAddress(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", errors.New("no addresses returned")
	}
	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}
