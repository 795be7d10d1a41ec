// Package hopcrypto generates per-hop AEAD keying material for a chain
// decision. Two modes are supported: ephemeral (fresh CSPRNG bytes per
// hop, forgotten on process exit) and derived (reproducible from a
// master secret via HKDF-SHA256, so a persisted ChainTopology can be
// re-keyed without ever writing a key to disk).
package hopcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeyLen   = 32
	NonceLen = 12
)

// CryptoHop is one hop's AEAD key material as raw bytes; KeyHex,
// NonceHex and ParseCryptoHopHex give its hex transport form.
type CryptoHop struct {
	Key       [KeyLen]byte
	BaseNonce [NonceLen]byte
}

// KeyHex returns the 64-char hex encoding of the key.
func (c CryptoHop) KeyHex() string { return hex.EncodeToString(c.Key[:]) }

// NonceHex returns the 24-char hex encoding of the base nonce.
func (c CryptoHop) NonceHex() string { return hex.EncodeToString(c.BaseNonce[:]) }

// ParseCryptoHopHex decodes a hex-encoded key/nonce pair, validating
// widths per spec.md Invariant 3.
func ParseCryptoHopHex(keyHex, nonceHex string) (CryptoHop, error) {
	var c CryptoHop
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return c, fmt.Errorf("decode key hex: %w", err)
	}
	if len(key) != KeyLen {
		return c, fmt.Errorf("key must decode to %d bytes, got %d", KeyLen, len(key))
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return c, fmt.Errorf("decode nonce hex: %w", err)
	}
	if len(nonce) != NonceLen {
		return c, fmt.Errorf("base_nonce must decode to %d bytes, got %d", NonceLen, len(nonce))
	}
	copy(c.Key[:], key)
	copy(c.BaseNonce[:], nonce)
	return c, nil
}

// Mode selects how per-hop crypto material is generated for a decision.
type Mode struct {
	Derived      bool
	MasterSecret []byte // required when Derived is true
}

// Ephemeral returns a Mode that draws fresh CSPRNG material per hop.
func Ephemeral() Mode { return Mode{} }

// Derive returns a Mode that reconstructs key material deterministically
// from masterSecret via HKDF, keyed additionally on the chain ID so two
// chains never share material even under the same master secret.
func Derive(masterSecret []byte) Mode { return Mode{Derived: true, MasterSecret: masterSecret} }

// Generate produces n CryptoHops for chainID under the given mode.
func Generate(mode Mode, chainID string, n int) ([]CryptoHop, error) {
	hops := make([]CryptoHop, n)
	for i := 0; i < n; i++ {
		var (
			hop CryptoHop
			err error
		)
		if mode.Derived {
			hop, err = deriveHop(mode.MasterSecret, chainID, i)
		} else {
			hop, err = ephemeralHop()
		}
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		hops[i] = hop
	}
	return hops, nil
}

func ephemeralHop() (CryptoHop, error) {
	var c CryptoHop
	if _, err := io.ReadFull(rand.Reader, c.Key[:]); err != nil {
		return c, fmt.Errorf("generate key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, c.BaseNonce[:]); err != nil {
		return c, fmt.Errorf("generate nonce: %w", err)
	}
	return c, nil
}

// deriveHop is the reproducible counterpart: key_i = HKDF-SHA256(ikm =
// master, salt = chain_id, info = "spectre-hop-"+i), nonce_i analogous
// with info "spectre-nonce-"+i.
func deriveHop(master []byte, chainID string, i int) (CryptoHop, error) {
	var c CryptoHop

	keyInfo := []byte(fmt.Sprintf("spectre-hop-%d", i))
	keyReader := hkdf.New(sha256.New, master, []byte(chainID), keyInfo)
	if _, err := io.ReadFull(keyReader, c.Key[:]); err != nil {
		return c, fmt.Errorf("derive key: %w", err)
	}

	nonceInfo := []byte(fmt.Sprintf("spectre-nonce-%d", i))
	nonceReader := hkdf.New(sha256.New, master, []byte(chainID), nonceInfo)
	if _, err := io.ReadFull(nonceReader, c.BaseNonce[:]); err != nil {
		return c, fmt.Errorf("derive nonce: %w", err)
	}

	return c, nil
}

// RandomChainID returns 16 random bytes hex-encoded, fresh per decision.
func RandomChainID() (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", fmt.Errorf("generate chain id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
