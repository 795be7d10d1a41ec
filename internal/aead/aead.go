// Package aead implements the framed, counter-nonced AES-256-GCM
// dataplane that carries client bytes across the exit hop once a
// circuit is built. The wire format is deliberately tiny: no version
// byte, no handshake — both endpoints already share the exit hop's key
// material via the selection engine.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/spectre-net/spectre/internal/hopcrypto"
	"github.com/spectre-net/spectre/internal/xerrors"
)

// Chunk is the maximum plaintext payload read per frame.
const Chunk = 16 * 1024

// maxFrameLen bounds a single frame's ciphertext length on the wire.
const maxFrameLen = 2 * Chunk

const (
	counterLen = 8
	lengthLen  = 4
	headerLen  = counterLen + lengthLen
)

// DerivedNonce computes the per-packet nonce for a direction: the first
// four bytes of base pass through unchanged, the remaining eight are
// XORed with the little-endian packet counter. This is what makes base
// nonce reuse across packets safe (spec.md §4.H).
func DerivedNonce(base [hopcrypto.NonceLen]byte, counter uint64) [hopcrypto.NonceLen]byte {
	var out [hopcrypto.NonceLen]byte
	copy(out[:4], base[:4])
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		out[4+i] = base[4+i] ^ ctr[i]
	}
	return out
}

func newCipher(hop hopcrypto.CryptoHop) (cipher.AEAD, error) {
	block, err := aes.NewCipher(hop.Key[:])
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}
	return gcm, nil
}

// EncryptFrame encrypts plaintext under the derived nonce for counter,
// returning the full wire frame (counter || length || ciphertext+tag).
func EncryptFrame(gcm cipher.AEAD, base [hopcrypto.NonceLen]byte, counter uint64, plaintext []byte) ([]byte, error) {
	nonce := DerivedNonce(base, counter)
	ciphertext := gcm.Seal(nil, nonce[:], plaintext, nil)

	frame := make([]byte, headerLen+len(ciphertext))
	binary.LittleEndian.PutUint64(frame[0:8], counter)
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(ciphertext)))
	copy(frame[headerLen:], ciphertext)
	return frame, nil
}

// DecryptFrame reverses EncryptFrame given the received counter and
// ciphertext (tag included).
func DecryptFrame(gcm cipher.AEAD, base [hopcrypto.NonceLen]byte, counter uint64, ciphertext []byte) ([]byte, error) {
	nonce := DerivedNonce(base, counter)
	plaintext, err := gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, xerrors.CryptoFailure(fmt.Errorf("GCM open: %w", err))
	}
	return plaintext, nil
}

// Pipe runs the bidirectional encrypted relay between client and
// upstream until either direction finishes or errors. If exitHop is nil
// (no crypto material available), it falls back to a plain
// io.Copy in both directions, logged as a warning.
func Pipe(client, upstream net.Conn, exitHop *hopcrypto.CryptoHop, log *logrus.Entry) error {
	if exitHop == nil {
		log.Warn("no crypto material for exit hop; falling back to plaintext relay")
		return plainPipe(client, upstream)
	}

	gcm, err := newCipher(*exitHop)
	if err != nil {
		return xerrors.CryptoFailure(err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- encryptLoop(upstream, client, gcm, exitHop.BaseNonce, log.WithField("dir", "client->upstream")) }()
	go func() { errCh <- decryptLoop(upstream, client, gcm, exitHop.BaseNonce, log.WithField("dir", "upstream->client")) }()

	first := <-errCh
	_ = client.Close()
	_ = upstream.Close()
	<-errCh
	return first
}

func plainPipe(a, b net.Conn) error {
	errCh := make(chan error, 2)
	go func() { _, err := io.Copy(a, b); errCh <- err }()
	go func() { _, err := io.Copy(b, a); errCh <- err }()
	first := <-errCh
	_ = a.Close()
	_ = b.Close()
	<-errCh
	return first
}

// encryptLoop reads plaintext from src, encrypts under a monotonically
// incrementing counter, and writes framed ciphertext to dst.
func encryptLoop(dst, src net.Conn, gcm cipher.AEAD, base [hopcrypto.NonceLen]byte, log *logrus.Entry) error {
	var counter uint64
	buf := make([]byte, Chunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if counter == ^uint64(0) {
				log.Warn("packet counter wrapped; continuing (semantically unreachable)")
			}
			frame, err := EncryptFrame(gcm, base, counter, buf[:n])
			if err != nil {
				return xerrors.CryptoFailure(err)
			}
			if _, werr := dst.Write(frame); werr != nil {
				return werr
			}
			counter++
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// decryptLoop reads framed ciphertext from src, decrypts using the
// counter embedded in each frame, and writes plaintext to dst.
func decryptLoop(src, dst net.Conn, gcm cipher.AEAD, base [hopcrypto.NonceLen]byte, log *logrus.Entry) error {
	header := make([]byte, headerLen)
	for {
		if _, err := io.ReadFull(src, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		counter := binary.LittleEndian.Uint64(header[0:8])
		length := binary.LittleEndian.Uint32(header[8:12])
		if length == 0 || length > maxFrameLen {
			return xerrors.CryptoFailure(fmt.Errorf("invalid frame length %d", length))
		}

		ciphertext := make([]byte, length)
		if _, err := io.ReadFull(src, ciphertext); err != nil {
			return err
		}

		plaintext, err := DecryptFrame(gcm, base, counter, ciphertext)
		if err != nil {
			return err
		}
		if _, err := dst.Write(plaintext); err != nil {
			return err
		}
	}
}
