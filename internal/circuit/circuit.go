// Package circuit builds the nested upstream tunnel across a chain of
// heterogeneous hops (HTTP CONNECT or SOCKS5), pre-verifying each hop
// with a bare TCP probe before attempting the real protocol handshake.
package circuit

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spectre-net/spectre/internal/chain"
	"github.com/spectre-net/spectre/internal/xerrors"
)

// PreProbeTimeout bounds each hop's bare TCP reachability check.
const PreProbeTimeout = 5 * time.Second

// HandshakeTimeout bounds a single SOCKS5 upstream handshake.
const HandshakeTimeout = 5 * time.Second

// HTTPConnectTimeout bounds reading an HTTP CONNECT response header.
const HTTPConnectTimeout = 3 * time.Second

// maxHTTPHeaderBytes caps the HTTP CONNECT response header read.
const maxHTTPHeaderBytes = 4096

// MaxRetries is the number of additional build attempts after the first
// failure (spec.md §4.G).
const MaxRetries = 3

// Builder constructs circuits across a chain of hops.
type Builder struct {
	log *logrus.Entry
}

// New returns a Builder.
func New(log *logrus.Entry) *Builder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Builder{log: log}
}

// Build connects to chain[0], then nests a handshake through every
// subsequent hop so that chain[i] only ever learns the address of
// chain[i+1] (or target, for the last hop). Up to MaxRetries additional
// attempts are made on failure; between attempts, previously-unreachable
// hops are re-probed in case they recovered.
func (b *Builder) Build(ctx context.Context, hops []chain.ChainHop, target string) (net.Conn, error) {
	if len(hops) == 0 {
		return nil, xerrors.PoolEmpty(fmt.Errorf("empty proxy chain"))
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		reachable := b.preProbe(ctx, hops)
		conn, err := b.buildOnce(ctx, hops, target, reachable)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		b.log.WithError(err).WithField("attempt", attempt+1).Warn("circuit build failed; retrying")
	}
	return nil, fmt.Errorf("circuit build failed after %d attempts: %w", MaxRetries+1, lastErr)
}

// preProbe performs a bare TCP-connect reachability check against every
// hop, independent of whether the real handshake will later succeed.
// Construction proceeds even if some hops are unreachable here, giving
// the real handshake (and the retry loop) a chance at recovery.
func (b *Builder) preProbe(ctx context.Context, hops []chain.ChainHop) []bool {
	reachable := make([]bool, len(hops))
	for i, h := range hops {
		probeCtx, cancel := context.WithTimeout(ctx, PreProbeTimeout)
		conn, err := (&net.Dialer{}).DialContext(probeCtx, "tcp", h.Addr())
		cancel()
		if err == nil {
			reachable[i] = true
			_ = conn.Close()
		} else {
			b.log.WithField("hop", h.Addr()).WithError(err).Debug("pre-probe: hop unreachable")
		}
	}
	return reachable
}

func (b *Builder) buildOnce(ctx context.Context, hops []chain.ChainHop, target string, reachable []bool) (net.Conn, error) {
	first := hops[0]
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", first.Addr())
	if err != nil {
		return nil, xerrors.HopUnreachable(first.Addr(), err)
	}

	for i, h := range hops {
		next := target
		if i+1 < len(hops) {
			next = hops[i+1].Addr()
		}
		if err := handshake(ctx, conn, h, next); err != nil {
			_ = conn.Close()
			return nil, xerrors.HandshakeFailure(h.Addr(), err)
		}
	}
	return conn, nil
}

// handshake performs hop's own protocol handshake over conn (which is
// already a live tunnel to hop), instructing it to connect to next.
func handshake(ctx context.Context, conn net.Conn, hop chain.ChainHop, next string) error {
	switch hop.Protocol {
	case "socks5", "socks4":
		return socks5Handshake(conn, next)
	case "http", "https":
		return httpConnectHandshake(conn, next)
	default:
		return fmt.Errorf("unknown upstream protocol %q", hop.Protocol)
	}
}

// socks5Handshake speaks the client side of RFC 1928 (no-auth, CONNECT,
// DOMAIN ATYP so DNS resolution happens at the exit hop) against conn.
func socks5Handshake(conn net.Conn, target string) error {
	_ = conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return fmt.Errorf("write method negotiation: %w", err)
	}
	methodResp := make([]byte, 2)
	if _, err := readFull(conn, methodResp); err != nil {
		return fmt.Errorf("read method negotiation: %w", err)
	}
	if methodResp[0] != 0x05 || methodResp[1] != 0x00 {
		return fmt.Errorf("unexpected method negotiation reply % x", methodResp)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("split target %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("parse target port %q: %w", portStr, err)
	}
	if len(host) == 0 || len(host) > 255 {
		return fmt.Errorf("invalid domain length %d", len(host))
	}

	req := make([]byte, 0, 7+len(host))
	req = append(req, 0x05, 0x01, 0x00, 0x03, byte(len(host)))
	req = append(req, host...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write connect request: %w", err)
	}

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return fmt.Errorf("read connect reply header: %w", err)
	}
	if header[1] != 0x00 {
		return fmt.Errorf("connect reply code %d", header[1])
	}
	return consumeBoundAddr(conn, header[3])
}

// consumeBoundAddr reads and discards the BND.ADDR/BND.PORT portion of a
// SOCKS5 reply so the connection is left positioned at the start of
// application data.
func consumeBoundAddr(conn net.Conn, atyp byte) error {
	switch atyp {
	case 0x01: // IPv4 + port
		return discard(conn, 4+2)
	case 0x03: // domain: length byte + domain + port
		lenByte := make([]byte, 1)
		if _, err := readFull(conn, lenByte); err != nil {
			return fmt.Errorf("read bound domain length: %w", err)
		}
		return discard(conn, int(lenByte[0])+2)
	case 0x04: // IPv6 + port
		return discard(conn, 16+2)
	default:
		return nil
	}
}

func discard(conn net.Conn, n int) error {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	_, err := readFull(conn, buf)
	return err
}

// httpConnectHandshake issues an HTTP CONNECT request for target over
// conn and requires a 200 response.
func httpConnectHandshake(conn net.Conn, target string) error {
	_ = conn.SetDeadline(time.Now().Add(HTTPConnectTimeout))
	defer conn.SetDeadline(time.Time{})

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}

	// Read one byte at a time straight from conn so nothing past the
	// header terminator is consumed: the connection is left positioned at
	// the start of application data.
	var header bytes.Buffer
	one := make([]byte, 1)
	for {
		if _, err := readFull(conn, one); err != nil {
			return fmt.Errorf("read CONNECT response: %w", err)
		}
		header.WriteByte(one[0])
		if header.Len() >= 4 && bytes.HasSuffix(header.Bytes(), []byte("\r\n\r\n")) {
			break
		}
		if header.Len() > maxHTTPHeaderBytes {
			return fmt.Errorf("CONNECT response header exceeds %d bytes", maxHTTPHeaderBytes)
		}
	}

	resp := header.String()
	if !strings.Contains(resp, "200 Connection established") && !strings.Contains(resp, "200 OK") {
		return fmt.Errorf("CONNECT failed: %s", strings.TrimSpace(strings.SplitN(resp, "\r\n", 2)[0]))
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
