// Package xerrors defines the error taxonomy shared across spectre's core
// components. Every kind wraps an underlying cause and carries just enough
// context for a log line or an errors.As switch; none of them are meant to
// escape as panics.
package xerrors

import "fmt"

// Kind classifies an error per the taxonomy in the design doc.
type Kind string

const (
	KindInputValidation  Kind = "input_validation"
	KindPoolEmpty        Kind = "pool_empty"
	KindHopUnreachable   Kind = "hop_unreachable"
	KindHandshakeFailure Kind = "handshake_failure"
	KindCryptoFailure    Kind = "crypto_failure"
	KindCounterWrap      Kind = "counter_wrap"
	KindProtocolViolation Kind = "protocol_violation"
)

// Error is a taxonomy-tagged error. Components construct one via the New*
// helpers below rather than building Kind/Hop combinations ad hoc.
type Error struct {
	Kind Kind
	Hop  string // offending hop's "ip:port", empty when not hop-scoped
	Err  error
}

func (e *Error) Error() string {
	if e.Hop != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Hop, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func NewHop(kind Kind, hop string, err error) *Error {
	return &Error{Kind: kind, Hop: hop, Err: err}
}

// InputValidation wraps a boundary-rejection error (bad UTF-8, non-array
// JSON, empty/too-long IP, zero port, non-printable domain, …).
func InputValidation(err error) *Error { return New(KindInputValidation, err) }

// PoolEmpty signals "no decision" — callers decide whether to rescrape.
func PoolEmpty(err error) *Error { return New(KindPoolEmpty, err) }

// HopUnreachable records a TCP-level failure against a specific hop.
func HopUnreachable(hop string, err error) *Error { return NewHop(KindHopUnreachable, hop, err) }

// HandshakeFailure records a protocol-level failure against a specific hop.
func HandshakeFailure(hop string, err error) *Error { return NewHop(KindHandshakeFailure, hop, err) }

// CryptoFailure wraps a GCM tag mismatch, short ciphertext, or hex-decode
// failure. Always fatal to the direction/session that raised it.
func CryptoFailure(err error) *Error { return New(KindCryptoFailure, err) }

// CounterWrap is logged, never returned as a fatal error; kept here so
// call sites can still tag the log line consistently.
func CounterWrap(hop string) *Error {
	return NewHop(KindCounterWrap, hop, fmt.Errorf("per-direction packet counter wrapped"))
}

// ProtocolViolation records a client-side SOCKS5 violation. The connection
// is closed; no retry is attempted.
func ProtocolViolation(err error) *Error { return New(KindProtocolViolation, err) }
