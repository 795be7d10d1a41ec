// Package feed is the thin external collaborator that turns a JSON proxy
// list (as produced by the out-of-scope scraper/polisher) into validated
// inventory.Proxy records. Validation happens entirely at this boundary:
// nothing malformed crosses into the core.
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spectre-net/spectre/internal/inventory"
	"github.com/spectre-net/spectre/internal/xerrors"
)

// record mirrors the on-wire JSON shape: {ip, port, type, latency?,
// country?, anonymity?, score?}. Fields beyond the required trio default
// to neutral values.
type record struct {
	IP        string  `json:"ip"`
	Port      uint16  `json:"port"`
	Type      string  `json:"type"`
	Latency   float64 `json:"latency"`
	Country   string  `json:"country"`
	Anonymity string  `json:"anonymity"`
	Score     float64 `json:"score"`
}

const maxIPLen = 64

// Load reads a JSON array of proxy records from r, validates each one,
// and returns the three pools built from the deduplicated records.
// Malformed records are rejected individually (skipped, with a reason in
// the returned []error) rather than failing the whole load;
// a non-array top-level JSON value is an InputValidation error.
func Load(r io.Reader) (inventory.Pools, []error, error) {
	var raw []record
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return inventory.Pools{}, nil, xerrors.InputValidation(fmt.Errorf("decode proxy feed: %w", err))
	}

	var (
		proxies []inventory.Proxy
		errs    []error
	)
	for i, rec := range raw {
		p, err := validate(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		proxies = append(proxies, p)
	}

	deduped := inventory.Dedup(proxies)
	return inventory.BuildPools(deduped), errs, nil
}

func validate(rec record) (inventory.Proxy, error) {
	ip := strings.TrimSpace(rec.IP)
	if ip == "" || len(ip) > maxIPLen || !isPrintableASCII(ip) {
		return inventory.Proxy{}, xerrors.InputValidation(fmt.Errorf("invalid ip %q", rec.IP))
	}
	if rec.Port == 0 {
		return inventory.Proxy{}, xerrors.InputValidation(fmt.Errorf("zero port for %q", ip))
	}
	proto := inventory.NormalizeProtocol(rec.Type)
	switch proto {
	case "http", "https", "socks4", "socks5":
	default:
		return inventory.Proxy{}, xerrors.InputValidation(fmt.Errorf("unsupported protocol %q", rec.Type))
	}

	score := rec.Score
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	return inventory.Proxy{
		IP:        ip,
		Port:      rec.Port,
		Protocol:  proto,
		Country:   strings.TrimSpace(rec.Country),
		Anonymity: strings.ToLower(strings.TrimSpace(rec.Anonymity)),
		Latency:   secondsToDuration(rec.Latency),
		Score:     score,
		Alive:     true,
	}, nil
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
