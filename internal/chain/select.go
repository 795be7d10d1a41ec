package chain

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/spectre-net/spectre/internal/hopcrypto"
)

// diversityExponent controls how strongly weighted selection favors
// higher-score hops. Higher values sample closer to uniform.
const diversityExponent = 1.5

// hopCountRange returns the [min, max] hop count for a mode per the
// table in spec.md §4.D.
func hopCountRange(mode string) (min, max int) {
	switch mode {
	case "phantom":
		return 3, 5
	case "high":
		return 2, 3
	case "stealth":
		return 1, 2
	case "lite":
		return 1, 1
	default:
		return 1, 1
	}
}

// RotationDecision is the full in-memory chain decision. Keys never
// leave memory: only topology.FromDecision's projection is persist-safe.
type RotationDecision struct {
	Mode       string
	Timestamp  time.Time
	ChainID    string
	Chain      []ChainHop
	AvgLatency time.Duration
	MinScore   float64
	MaxScore   float64
	Encryption []hopcrypto.CryptoHop
}

// BuildDecision selects a weighted-random chain from pool and generates
// its per-hop crypto material. Returns (nil, nil) iff pool is empty —
// the "no decision" sentinel; an empty pool is never an error (spec.md
// §4.D, §7). A non-nil error means random or key generation failed.
func BuildDecision(mode string, pool []ChainHop, cryptoMode hopcrypto.Mode) (*RotationDecision, error) {
	if len(pool) == 0 {
		return nil, nil
	}

	minHops, maxHops := hopCountRange(mode)
	n, err := randIntRange(minHops, maxHops)
	if err != nil {
		return nil, fmt.Errorf("sample hop count: %w", err)
	}
	n = clamp(n, 1, len(pool))

	selected, err := weightedSampleWithoutReplacement(pool, n)
	if err != nil {
		return nil, fmt.Errorf("weighted sample: %w", err)
	}

	chainID, err := hopcrypto.RandomChainID()
	if err != nil {
		return nil, fmt.Errorf("generate chain id: %w", err)
	}

	crypto, err := hopcrypto.Generate(cryptoMode, chainID, len(selected))
	if err != nil {
		return nil, fmt.Errorf("generate crypto material: %w", err)
	}

	return &RotationDecision{
		Mode:       mode,
		Timestamp:  time.Now(),
		ChainID:    chainID,
		Chain:      selected,
		AvgLatency: avgLatency(selected),
		MinScore:   minScore(selected),
		MaxScore:   maxScore(selected),
		Encryption: crypto,
	}, nil
}

// weightedSampleWithoutReplacement draws n hops from pool without
// replacement. Each candidate's weight is max(score, 0.5)^(1/E); a
// uniform variate in [0, sum(weights)) selects the first prefix-sum
// exceeding it. If all weights are zero, falls back to uniform
// selection.
func weightedSampleWithoutReplacement(pool []ChainHop, n int) ([]ChainHop, error) {
	remaining := append([]ChainHop(nil), pool...)
	weights := make([]float64, len(remaining))
	for i, h := range remaining {
		w := h.Score
		if w < 0.5 {
			w = 0.5
		}
		weights[i] = math.Pow(w, 1/diversityExponent)
	}

	selected := make([]ChainHop, 0, n)
	for len(selected) < n && len(remaining) > 0 {
		total := sum(weights)
		var idx int
		if total <= 0 {
			r, err := randIntRange(0, len(remaining)-1)
			if err != nil {
				return nil, err
			}
			idx = r
		} else {
			target, err := randFloat(total)
			if err != nil {
				return nil, err
			}
			idx = prefixSumIndex(weights, target)
		}

		selected = append(selected, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return selected, nil
}

func prefixSumIndex(weights []float64, target float64) int {
	var acc float64
	for i, w := range weights {
		acc += w
		if acc > target {
			return i
		}
	}
	return len(weights) - 1
}

func sum(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// randIntRange returns a cryptographically random integer in [lo, hi].
func randIntRange(lo, hi int) (int, error) {
	if hi <= lo {
		return lo, nil
	}
	span := uint64(hi-lo) + 1
	v, err := randUint64Below(span)
	if err != nil {
		return 0, err
	}
	return lo + int(v), nil
}

// randFloat returns a uniform variate in [0, upperBound).
func randFloat(upperBound float64) (float64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random bytes: %w", err)
	}
	// 53 bits of entropy, matching float64 mantissa precision.
	frac := float64(binary.LittleEndian.Uint64(b[:])>>11) / (1 << 53)
	return frac * upperBound, nil
}

func randUint64Below(bound uint64) (uint64, error) {
	if bound == 0 {
		return 0, nil
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random bytes: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]) % bound, nil
}

func avgLatency(hops []ChainHop) time.Duration {
	if len(hops) == 0 {
		return 0
	}
	var total time.Duration
	for _, h := range hops {
		l := h.Latency
		if l <= 0 {
			l = time.Second
		}
		total += l
	}
	return total / time.Duration(len(hops))
}

func minScore(hops []ChainHop) float64 {
	min := math.Inf(1)
	for _, h := range hops {
		s := h.Score
		if s <= 0 {
			s = 0.5
		}
		if s < min {
			min = s
		}
	}
	if math.IsInf(min, 1) {
		return 0.5
	}
	return min
}

func maxScore(hops []ChainHop) float64 {
	max := math.Inf(-1)
	for _, h := range hops {
		s := h.Score
		if s <= 0 {
			s = 0.5
		}
		if s > max {
			max = s
		}
	}
	if math.IsInf(max, -1) {
		return 0.5
	}
	return max
}
