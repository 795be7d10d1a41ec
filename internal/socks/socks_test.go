package socks

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/spectre-net/spectre/internal/chain"
	"github.com/spectre-net/spectre/internal/hopcrypto"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeChainSource struct {
	decision *chain.RotationDecision
}

func (f *fakeChainSource) Current() *chain.RotationDecision { return f.decision }

type fakeBuilder struct {
	conn net.Conn
	err  error
}

func (f *fakeBuilder) Build(ctx context.Context, hops []chain.ChainHop, target string) (net.Conn, error) {
	return f.conn, f.err
}

func decisionWithEphemeralHop(t *testing.T) *chain.RotationDecision {
	t.Helper()
	crypto, err := hopcrypto.Generate(hopcrypto.Ephemeral(), "chain-id", 1)
	require.NoError(t, err)
	return &chain.RotationDecision{
		Mode:       "lite",
		Chain:      []chain.ChainHop{{IP: "1.1.1.1", Port: 1080, Protocol: "socks5"}},
		Encryption: crypto,
	}
}

// S2 — a SOCKS5 client requesting a domain target gets a live tunnel once
// a circuit is built.
func TestHandleConn_DomainConnectSucceeds(t *testing.T) {
	clientSide, frontendSide := net.Pipe()
	upstreamApp, upstreamTest := net.Pipe()

	decision := decisionWithEphemeralHop(t)
	srv := New("", &fakeChainSource{decision: decision}, &fakeBuilder{conn: upstreamApp}, testLogger())

	done := make(chan struct{})
	go func() {
		srv.handleConn(frontendSide)
		close(done)
	}()

	// Client side: no-auth negotiation, then CONNECT to a domain target.
	_, err := clientSide.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodResp := make([]byte, 2)
	_, err = io.ReadFull(clientSide, methodResp)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), methodResp[0])
	require.Equal(t, byte(0x00), methodResp[1])

	domain := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0x01, 0xBB) // port 443
	_, err = clientSide.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(clientSide, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1])

	_ = upstreamTest
	clientSide.Close()
	upstreamTest.Close()
	<-done
}

func TestHandleConn_NoActiveChainRejectsConnect(t *testing.T) {
	clientSide, frontendSide := net.Pipe()
	srv := New("", &fakeChainSource{decision: nil}, &fakeBuilder{}, testLogger())

	done := make(chan struct{})
	go func() {
		srv.handleConn(frontendSide)
		close(done)
	}()

	clientSide.Write([]byte{0x05, 0x01, 0x00})
	methodResp := make([]byte, 2)
	io.ReadFull(clientSide, methodResp)

	domain := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0x01, 0xBB)
	clientSide.Write(req)

	reply := make([]byte, 10)
	_, err := io.ReadFull(clientSide, reply)
	require.NoError(t, err)
	require.Equal(t, byte(replyGeneralFailure), reply[1])

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return")
	}
}

// §7 InputValidation — a DOMAIN request with a zero-length name is
// rejected before any hop is dialed.
func TestReadAddr_RejectsEmptyDomain(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x00}))
	_, err := readAddr(r, atypDomain)
	require.Error(t, err)
}

// §7 InputValidation — a DOMAIN request containing a non-printable or
// disallowed byte (anything but letters, digits, '.', '-') is rejected.
func TestReadAddr_RejectsNonPrintableDomain(t *testing.T) {
	domain := []byte{'e', 'v', 'i', 'l', 0x00, 'c', 'o', 'm'}
	buf := append([]byte{byte(len(domain))}, domain...)
	r := bufio.NewReader(bytes.NewReader(buf))
	_, err := readAddr(r, atypDomain)
	require.Error(t, err)
}

func TestReadAddr_AcceptsValidDomain(t *testing.T) {
	domain := []byte("sub-domain.example.com")
	buf := append([]byte{byte(len(domain))}, domain...)
	r := bufio.NewReader(bytes.NewReader(buf))
	host, err := readAddr(r, atypDomain)
	require.NoError(t, err)
	require.Equal(t, string(domain), host)
}

// A SOCKS5 client sending a non-printable domain never reaches the
// Circuit Builder — handleConn must reply addr-not-supported and close.
func TestHandleConn_RejectsNonPrintableDomain(t *testing.T) {
	clientSide, frontendSide := net.Pipe()
	decision := decisionWithEphemeralHop(t)
	srv := New("", &fakeChainSource{decision: decision}, &fakeBuilder{}, testLogger())

	done := make(chan struct{})
	go func() {
		srv.handleConn(frontendSide)
		close(done)
	}()

	clientSide.Write([]byte{0x05, 0x01, 0x00})
	methodResp := make([]byte, 2)
	io.ReadFull(clientSide, methodResp)

	domain := []byte{'e', 'v', 'i', 'l', 0x00, 'c', 'o', 'm'}
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0x01, 0xBB)
	clientSide.Write(req)

	reply := make([]byte, 10)
	_, err := io.ReadFull(clientSide, reply)
	require.NoError(t, err)
	require.Equal(t, byte(replyAddrNotSupported), reply[1])

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return")
	}
}

func TestNegotiate_RejectsAuthOnlyClient(t *testing.T) {
	clientSide, frontendSide := net.Pipe()
	srv := New("", &fakeChainSource{}, &fakeBuilder{}, testLogger())

	go func() {
		clientSide.Write([]byte{0x05, 0x01, 0x02}) // offers only username/password
		clientSide.Close()
	}()

	_, err := srv.negotiate(frontendSide)
	require.Error(t, err)
}
