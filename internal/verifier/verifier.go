// Package verifier performs a bounded-concurrency, protocol-aware
// liveness probe over a pool of candidate proxies, feeding score and
// fail-count updates back into the inventory.
package verifier

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spectre-net/spectre/internal/inventory"
	"github.com/spectre-net/spectre/internal/metrics"
)

// ProbeTarget is the fixed known-good endpoint every deep probe tunnels
// to, per spec.md §4.B.
const ProbeTarget = "api.ipify.org:443"

// DefaultTimeout bounds a single deep probe (TCP connect + handshake).
const DefaultTimeout = 8 * time.Second

// MaxConcurrency caps in-flight probes to bound file-descriptor pressure
// and avoid upstream rate-limit triggers.
const MaxConcurrency = 50

// Dialer abstracts the per-protocol handshake used to prove a proxy is
// actually usable, not merely reachable at the TCP level. Production
// code (cmd) wires this to internal/upstream.Dial, a direct single-hop
// dial; tests supply a fake.
type Dialer interface {
	// DialThrough connects to proxyAddr and performs proto's own
	// handshake instructing it to CONNECT to target. It returns once
	// the tunnel is established, or an error if any step failed.
	DialThrough(ctx context.Context, proxyAddr, proto, target string) (net.Conn, error)
}

// Verifier runs deep probes over a pool of proxies.
type Verifier struct {
	dialer  Dialer
	log     *logrus.Entry
	metrics *metrics.Collectors // nil disables metric reporting
}

// New builds a Verifier that drives probes through dialer.
func New(dialer Dialer, log *logrus.Entry) *Verifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Verifier{dialer: dialer, log: log}
}

// WithMetrics attaches a collector set the verifier reports pass
// duration and resulting pool size to. Optional.
func (v *Verifier) WithMetrics(m *metrics.Collectors) *Verifier {
	v.metrics = m
	return v
}

// VerifyPool runs a deep probe over every proxy concurrently (bounded by
// MaxConcurrency) and returns the survivors (fail_count < MaxFailCount)
// with their updated liveness fields, in input order. Updates are made
// on copies: the records in the proxies slice itself are not modified,
// and pruned records are not returned at all.
func (v *Verifier) VerifyPool(ctx context.Context, proxies []inventory.Proxy) []inventory.Proxy {
	total := len(proxies)
	v.log.WithField("count", total).Info("verifier: pass started")
	start := time.Now()

	sem := make(chan struct{}, MaxConcurrency)
	results := make([]inventory.Proxy, total)
	done := make(chan int, total)

	for i, p := range proxies {
		sem <- struct{}{}
		go func(i int, p inventory.Proxy) {
			defer func() { <-sem }()
			results[i] = v.probeOne(ctx, p)
			done <- i
		}(i, p)
	}
	for i := 0; i < total; i++ {
		<-done
	}

	survivors := make([]inventory.Proxy, 0, total)
	pruned := 0
	for _, p := range results {
		if p.FailCount >= inventory.MaxFailCount {
			pruned++
			continue
		}
		survivors = append(survivors, p)
	}

	v.log.WithFields(logrus.Fields{
		"alive":  countAlive(survivors),
		"total":  len(survivors),
		"pruned": pruned,
	}).Info("verifier: pass done")

	if v.metrics != nil {
		v.metrics.VerifierDuration.Observe(time.Since(start).Seconds())
		v.metrics.VerifierPoolSize.WithLabelValues("true").Set(float64(countAlive(survivors)))
		v.metrics.VerifierPoolSize.WithLabelValues("false").Set(float64(len(survivors) - countAlive(survivors)))
	}
	return survivors
}

func (v *Verifier) probeOne(ctx context.Context, p inventory.Proxy) inventory.Proxy {
	probeCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	start := time.Now()
	conn, err := v.dialer.DialThrough(probeCtx, fmt.Sprintf("%s:%d", p.IP, p.Port), inventory.NormalizeProtocol(p.Protocol), ProbeTarget)
	elapsed := time.Since(start)
	if conn != nil {
		_ = conn.Close()
	}

	p.LastVerified = time.Now()
	if err != nil {
		p.FailCount++
		p.Alive = false
		p.Score = p.Score * 0.7
		return p
	}

	p.FailCount = 0
	p.Alive = true
	if p.Latency > 0 {
		p.Latency = time.Duration(float64(p.Latency)*0.6 + float64(elapsed)*0.4)
	} else {
		p.Latency = elapsed
	}
	p.Score = minFloat(p.Score*0.95+0.05, 1)
	return p
}

// IsPoolHealthy reports whether the pool is large enough and fresh
// enough to skip a rescrape: at least 30 alive proxies, with the
// freshest last_verified within staleFor of now.
func IsPoolHealthy(pool []inventory.Proxy, staleFor time.Duration) bool {
	const minPoolSize = 30

	var (
		aliveCount int
		freshest   time.Time
	)
	for _, p := range pool {
		if !p.Alive {
			continue
		}
		aliveCount++
		if p.LastVerified.After(freshest) {
			freshest = p.LastVerified
		}
	}
	if aliveCount < minPoolSize {
		return false
	}
	return time.Since(freshest) < staleFor
}

func countAlive(proxies []inventory.Proxy) int {
	n := 0
	for _, p := range proxies {
		if p.Alive {
			n++
		}
	}
	return n
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
