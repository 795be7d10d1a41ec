// Package topology persists the network shape of the active chain —
// deliberately excluding any key material — so operators can inspect or
// replay the last rotation without being able to decrypt past traffic.
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spectre-net/spectre/internal/chain"
	"github.com/spectre-net/spectre/internal/hopcrypto"
)

// HopInfo is a key-free projection of a single chain.ChainHop.
type HopInfo struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	Protocol string `json:"type"`
}

// Snapshot is a key-free projection of a chain.RotationDecision, safe to
// write to disk.
type Snapshot struct {
	ChainID    string    `json:"chain_id"`
	Hops       []HopInfo `json:"hops"`
	CreatedAt  time.Time `json:"created_at"`
	Mode       string    `json:"mode"`
	AvgLatency float64   `json:"avg_latency_seconds"`
	MinScore   float64   `json:"min_score"`
	MaxScore   float64   `json:"max_score"`
}

// FromDecision strips all cryptographic material from decision, leaving
// only the topology that is safe to persist.
func FromDecision(decision *chain.RotationDecision) Snapshot {
	hops := make([]HopInfo, len(decision.Chain))
	for i, h := range decision.Chain {
		hops[i] = HopInfo{IP: h.IP, Port: h.Port, Protocol: h.Protocol}
	}
	return Snapshot{
		ChainID:    decision.ChainID,
		Hops:       hops,
		CreatedAt:  decision.Timestamp,
		Mode:       decision.Mode,
		AvgLatency: decision.AvgLatency.Seconds(),
		MinScore:   decision.MinScore,
		MaxScore:   decision.MaxScore,
	}
}

// Reconstitute rebuilds a keyed chain.RotationDecision from a persisted,
// key-free snapshot by re-deriving each hop's crypto material under mode.
// This only produces the same keys as the original rotation when mode is
// derived (HKDF re-keys deterministically from ChainID); under an
// ephemeral mode it mints fresh, unrelated key material, since no key
// ever touched disk in the first place.
func Reconstitute(snap Snapshot, mode hopcrypto.Mode) (*chain.RotationDecision, error) {
	enc, err := hopcrypto.Generate(mode, snap.ChainID, len(snap.Hops))
	if err != nil {
		return nil, fmt.Errorf("regenerate hop crypto: %w", err)
	}

	hops := make([]chain.ChainHop, len(snap.Hops))
	for i, h := range snap.Hops {
		hops[i] = chain.ChainHop{IP: h.IP, Port: h.Port, Protocol: h.Protocol}
	}

	return &chain.RotationDecision{
		Mode:       snap.Mode,
		Timestamp:  snap.CreatedAt,
		ChainID:    snap.ChainID,
		Chain:      hops,
		AvgLatency: time.Duration(snap.AvgLatency * float64(time.Second)),
		MinScore:   snap.MinScore,
		MaxScore:   snap.MaxScore,
		Encryption: enc,
	}, nil
}

// Store persists the most recent chain topology to a single file on
// disk, overwriting the previous snapshot on every rotation.
type Store struct {
	path string
}

// NewStore builds a Store writing to path (e.g. "last_chain.json").
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save atomically overwrites the on-disk snapshot: it writes to a temp
// file in the same directory and renames over the target, so a reader
// never observes a partially-written file.
func (s *Store) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal topology snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".last_chain-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Load reads the last persisted snapshot. Returns (Snapshot{}, false, nil)
// if no snapshot has ever been written.
func (s *Store) Load() (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("read topology snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("unmarshal topology snapshot: %w", err)
	}
	return snap, true, nil
}
