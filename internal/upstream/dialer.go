// Package upstream dials a single proxy directly — no nesting, no
// circuit. It backs the verifier's deep probe (spec.md §4.B), which
// only ever needs to prove that one hop, by itself, can reach a fixed
// external target.
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/proxy"
)

// Dial opens a tunnel to destination ("host:port") through a single
// proxy at addr ("host:port"), speaking proto's own handshake. Used by
// the verifier; the Circuit Builder never calls this, since nesting
// requires writing a handshake directly onto an already-open
// connection rather than dialing fresh.
func Dial(ctx context.Context, addr, proto, destination string) (net.Conn, error) {
	switch proto {
	case "http", "https":
		return dialHTTPConnect(ctx, addr, destination)
	case "socks5", "socks4":
		return dialSOCKS5(ctx, addr, destination)
	default:
		return nil, fmt.Errorf("unsupported upstream protocol: %s", proto)
	}
}

func dialHTTPConnect(ctx context.Context, addr, destination string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", addr, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "//"+destination, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build CONNECT request: %w", err)
	}
	req.Host = destination

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT failed: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// dialSOCKS5 dials through a SOCKS5 upstream proxy using x/net/proxy's
// client implementation — the one dial path in spectre that doesn't
// hand-roll the wire protocol, since it never needs to nest.
func dialSOCKS5(ctx context.Context, addr, destination string) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", destination)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", destination)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
	}
	return conn, nil
}

// bufferedConn wraps a net.Conn and prepends already-buffered bytes to
// the read stream. Used when bufio.Reader consumed extra bytes from a
// CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
