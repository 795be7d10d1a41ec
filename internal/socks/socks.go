// Package socks implements the client-facing SOCKS5 frontend (RFC 1928,
// no-auth, CONNECT only). Every accepted connection is handed to the
// Circuit Builder to be tunnelled through the currently active chain,
// then piped through the AEAD dataplane to the exit hop.
package socks

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spectre-net/spectre/internal/aead"
	"github.com/spectre-net/spectre/internal/chain"
	"github.com/spectre-net/spectre/internal/metrics"
	"github.com/spectre-net/spectre/internal/xerrors"
)

// AcceptTimeout bounds how long the frontend waits to read the client's
// method-negotiation and request messages.
const AcceptTimeout = 10 * time.Second

const (
	socksVersion5 = 0x05
	methodNoAuth  = 0x00
	methodNone    = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySuccess           = 0x00
	replyGeneralFailure    = 0x01
	replyCommandNotSupport = 0x07
	replyAddrNotSupported  = 0x08
)

// CircuitBuilder abstracts Build so the frontend doesn't depend on
// circuit's concrete retry/pre-probe policy.
type CircuitBuilder interface {
	Build(ctx context.Context, hops []chain.ChainHop, target string) (net.Conn, error)
}

// ChainSource abstracts reading the currently active rotation decision.
type ChainSource interface {
	Current() *chain.RotationDecision
}

// Server is the SOCKS5 frontend.
type Server struct {
	ListenAddr string
	Chains     ChainSource
	Builder    CircuitBuilder
	Log        *logrus.Entry
	Metrics    *metrics.Collectors // nil disables metric reporting

	ln net.Listener
}

// New builds a Server. Call Start to begin accepting connections.
func New(listenAddr string, chains ChainSource, builder CircuitBuilder, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{ListenAddr: listenAddr, Chains: chains, Builder: builder, Log: log}
}

// Start begins listening and serving. Blocks until the listener is closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.ListenAddr, err)
	}
	s.ln = ln
	s.Log.WithField("addr", s.ListenAddr).Info("socks5 frontend listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener.
func (s *Server) Stop() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(client net.Conn) {
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(AcceptTimeout))

	target, err := s.negotiate(client)
	if err != nil {
		s.Log.WithError(err).Debug("socks5: negotiation failed")
		return
	}
	_ = client.SetDeadline(time.Time{})

	decision := s.Chains.Current()
	if decision == nil {
		s.replyAndClose(client, replyGeneralFailure)
		s.Log.Warn("socks5: no active chain; rejecting connect")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	upstream, err := s.Builder.Build(ctx, decision.Chain, target)
	if err != nil {
		s.replyAndClose(client, replyGeneralFailure)
		s.Log.WithError(err).WithField("target", target).Warn("socks5: circuit build failed")
		s.countCircuit("failed")
		return
	}
	defer upstream.Close()
	s.countCircuit("ok")

	if err := s.writeReply(client, replySuccess); err != nil {
		return
	}

	if s.Metrics != nil {
		s.Metrics.ActiveConns.Inc()
		defer s.Metrics.ActiveConns.Dec()
	}

	exitHop := decision.Encryption[len(decision.Encryption)-1]
	if err := aead.Pipe(client, upstream, &exitHop, s.Log); err != nil {
		s.Log.WithError(err).Debug("socks5: pipe ended")
	}
}

func (s *Server) countCircuit(outcome string) {
	if s.Metrics != nil {
		s.Metrics.CircuitsBuilt.WithLabelValues(outcome).Inc()
	}
}

// negotiate performs the SOCKS5 method handshake and reads the CONNECT
// request, returning the requested "host:port" target. Only the no-auth
// method and the CONNECT command are supported per spec.md §4.F.
func (s *Server) negotiate(conn net.Conn) (string, error) {
	r := bufio.NewReader(conn)

	header := make([]byte, 2)
	if _, err := readFull(r, header); err != nil {
		return "", fmt.Errorf("read method header: %w", err)
	}
	if header[0] != socksVersion5 {
		return "", xerrors.ProtocolViolation(fmt.Errorf("unsupported version %d", header[0]))
	}
	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if _, err := readFull(r, methods); err != nil {
		return "", fmt.Errorf("read methods: %w", err)
	}

	if !containsByte(methods, methodNoAuth) {
		conn.Write([]byte{socksVersion5, methodNone})
		return "", xerrors.ProtocolViolation(fmt.Errorf("client does not offer no-auth"))
	}
	if _, err := conn.Write([]byte{socksVersion5, methodNoAuth}); err != nil {
		return "", fmt.Errorf("write method selection: %w", err)
	}

	reqHeader := make([]byte, 4)
	if _, err := readFull(r, reqHeader); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if reqHeader[0] != socksVersion5 {
		return "", xerrors.ProtocolViolation(fmt.Errorf("unsupported version %d", reqHeader[0]))
	}
	if reqHeader[1] != cmdConnect {
		s.writeReply(conn, replyCommandNotSupport)
		return "", xerrors.ProtocolViolation(fmt.Errorf("unsupported command %d", reqHeader[1]))
	}

	host, err := readAddr(r, reqHeader[3])
	if err != nil {
		s.writeReply(conn, replyAddrNotSupported)
		return "", err
	}
	portBuf := make([]byte, 2)
	if _, err := readFull(r, portBuf); err != nil {
		return "", fmt.Errorf("read request port: %w", err)
	}
	port := int(portBuf[0])<<8 | int(portBuf[1])

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func readAddr(r *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := readFull(r, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := readFull(r, lenByte); err != nil {
			return "", err
		}
		if lenByte[0] == 0 {
			return "", xerrors.ProtocolViolation(fmt.Errorf("empty domain"))
		}
		buf := make([]byte, lenByte[0])
		if _, err := readFull(r, buf); err != nil {
			return "", err
		}
		if !isValidDomain(buf) {
			return "", xerrors.ProtocolViolation(fmt.Errorf("non-printable domain %q", buf))
		}
		return string(buf), nil
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := readFull(r, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	default:
		return "", xerrors.ProtocolViolation(fmt.Errorf("unsupported address type %d", atyp))
	}
}

// isValidDomain reports whether b is 1-255 bytes of printable ASCII
// restricted to letters, digits, '.', and '-' (spec.md §4.F).
func isValidDomain(b []byte) bool {
	if len(b) == 0 || len(b) > 255 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-':
		default:
			return false
		}
	}
	return true
}

func (s *Server) replyAndClose(conn net.Conn, code byte) {
	_ = s.writeReply(conn, code)
}

func (s *Server) writeReply(conn net.Conn, code byte) error {
	reply := []byte{socksVersion5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

func containsByte(haystack []byte, b byte) bool {
	for _, v := range haystack {
		if v == b {
			return true
		}
	}
	return false
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
