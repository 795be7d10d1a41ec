// Package chain owns the mode-specific filtering, weighted selection,
// and atomic rotation of the active upstream proxy chain.
package chain

import (
	"strconv"
	"time"

	"github.com/spectre-net/spectre/internal/inventory"
)

// ChainHop is a resolved position in a chain, derived from an
// inventory.Proxy at selection time.
type ChainHop struct {
	IP       string
	Port     uint16
	Protocol string
	Country  string
	Latency  time.Duration
	Score    float64
}

// Addr returns the hop's dial target, "ip:port".
func (h ChainHop) Addr() string {
	return h.IP + ":" + strconv.Itoa(int(h.Port))
}

func hopFromProxy(p inventory.Proxy) ChainHop {
	return ChainHop{
		IP:       p.IP,
		Port:     p.Port,
		Protocol: inventory.NormalizeProtocol(p.Protocol),
		Country:  p.Country,
		Latency:  p.Latency,
		Score:    p.Score,
	}
}

func key(h ChainHop) string {
	return h.Addr()
}

// Filter projects the inventory's three pools into a single,
// mode-specific, deduplicated selection pool per spec.md §4.C. An empty
// result is legal — it is the "no chain available" signal, never an
// error.
func Filter(mode string, dns, nonDNS, combined []inventory.Proxy) []ChainHop {
	var raw []inventory.Proxy

	switch mode {
	case "lite":
		raw = concat(combined, nonDNS, dns)
	case "stealth":
		raw = filterProto(concat(combined, dns, nonDNS), "http", "https")
	case "high":
		raw = filterProto(dns, "https", "socks5")
		if len(raw) == 0 {
			raw = filterScore(combined, 0.5)
		}
	case "phantom":
		raw = filterProtoAndScore(dns, 0.4, "https", "socks5")
	default:
		raw = concat(combined, dns, nonDNS)
	}

	return dedupHops(raw)
}

func concat(pools ...[]inventory.Proxy) []inventory.Proxy {
	var total int
	for _, p := range pools {
		total += len(p)
	}
	out := make([]inventory.Proxy, 0, total)
	for _, p := range pools {
		out = append(out, p...)
	}
	return out
}

func filterProto(proxies []inventory.Proxy, protocols ...string) []inventory.Proxy {
	allowed := make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		allowed[p] = struct{}{}
	}
	var out []inventory.Proxy
	for _, p := range proxies {
		if _, ok := allowed[inventory.NormalizeProtocol(p.Protocol)]; ok {
			out = append(out, p)
		}
	}
	return out
}

func filterScore(proxies []inventory.Proxy, minScore float64) []inventory.Proxy {
	var out []inventory.Proxy
	for _, p := range proxies {
		if p.Score >= minScore {
			out = append(out, p)
		}
	}
	return out
}

func filterProtoAndScore(proxies []inventory.Proxy, minScore float64, protocols ...string) []inventory.Proxy {
	allowed := make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		allowed[p] = struct{}{}
	}
	var out []inventory.Proxy
	for _, p := range proxies {
		if _, ok := allowed[inventory.NormalizeProtocol(p.Protocol)]; ok && p.Score >= minScore {
			out = append(out, p)
		}
	}
	return out
}

func dedupHops(proxies []inventory.Proxy) []ChainHop {
	seen := make(map[string]struct{}, len(proxies))
	out := make([]ChainHop, 0, len(proxies))
	for _, p := range proxies {
		hop := hopFromProxy(p)
		if hop.Protocol == "socks4" {
			continue // socks4 never reaches a final mode pool
		}
		k := key(hop)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, hop)
	}
	return out
}
