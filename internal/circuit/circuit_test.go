package circuit

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/spectre-net/spectre/internal/chain"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// fakeSocks5Hop accepts one connection, performs the server side of the
// no-auth SOCKS5 handshake, then writes the marker bytes "ok" so tests can confirm
// the tunnel is live and positioned correctly after the handshake.
func fakeSocks5Hop(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		methodReq := make([]byte, 3)
		if _, err := readFullT(r, methodReq); err != nil {
			return
		}
		conn.Write([]byte{0x05, 0x00})

		header := make([]byte, 4)
		if _, err := readFullT(r, header); err != nil {
			return
		}
		if header[3] == 0x03 {
			lenByte := make([]byte, 1)
			readFullT(r, lenByte)
			domain := make([]byte, lenByte[0])
			readFullT(r, domain)
			port := make([]byte, 2)
			readFullT(r, port)
		}
		// BND.ADDR=0.0.0.0:0 reply
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		conn.Write([]byte("ok"))
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func fakeHTTPConnectHop(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		conn.Write([]byte("ok"))
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func readFullT(r *bufio.Reader, buf []byte) (int, error) {
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

// A single SOCKS5 hop completes the no-auth CONNECT handshake; the
// handshake leaves the connection positioned at application data (the
// hop's "ok" marker).
func TestBuild_SingleSocks5Hop(t *testing.T) {
	addr, stop := fakeSocks5Hop(t)
	defer stop()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	hops := []chain.ChainHop{{IP: host, Port: uint16(portNum), Protocol: "socks5"}}
	b := New(testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := b.Build(ctx, hops, "example.com:443")
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	_, err = readFullConn(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf))
}

func TestBuild_SingleHTTPConnectHop(t *testing.T) {
	addr, stop := fakeHTTPConnectHop(t)
	defer stop()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)

	hops := []chain.ChainHop{{IP: host, Port: uint16(portNum), Protocol: "https"}}
	b := New(testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := b.Build(ctx, hops, "example.com:443")
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	_, err = readFullConn(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf))
}

func TestBuild_EmptyChainRejected(t *testing.T) {
	b := New(testLogger())
	_, err := b.Build(context.Background(), nil, "example.com:443")
	require.Error(t, err)
}

func TestBuild_UnreachableFirstHopFails(t *testing.T) {
	b := New(testLogger())
	hops := []chain.ChainHop{{IP: "127.0.0.1", Port: 1, Protocol: "socks5"}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.Build(ctx, hops, "example.com:443")
	require.Error(t, err)
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
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

