package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spectre-net/spectre/internal/chain"
	"github.com/spectre-net/spectre/internal/inventory"
)

type fakeRotator struct {
	decision *chain.RotationDecision
	rotated  int
}

func (f *fakeRotator) ForceRotate()                     { f.rotated++ }
func (f *fakeRotator) Current() *chain.RotationDecision { return f.decision }

type fakeInventory struct {
	pools inventory.Pools
}

func (f *fakeInventory) Snapshot() inventory.Pools { return f.pools }

func TestHandleRotate_PostTriggersForceRotate(t *testing.T) {
	rot := &fakeRotator{}
	srv := New("", rot, &fakeInventory{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/rotate", nil)
	rec := httptest.NewRecorder()
	srv.handleRotate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, rot.rotated)
}

func TestHandleRotate_RejectsGet(t *testing.T) {
	srv := New("", &fakeRotator{}, &fakeInventory{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/rotate", nil)
	rec := httptest.NewRecorder()
	srv.handleRotate(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleChain_NoActiveChainReturns503(t *testing.T) {
	srv := New("", &fakeRotator{decision: nil}, &fakeInventory{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/chain", nil)
	rec := httptest.NewRecorder()
	srv.handleChain(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleChain_ReturnsTopologyForActiveChain(t *testing.T) {
	decision := &chain.RotationDecision{
		ChainID:   "abc",
		Mode:      "high",
		Timestamp: time.Now(),
		Chain:     []chain.ChainHop{{IP: "1.1.1.1", Port: 443, Protocol: "https"}},
	}
	srv := New("", &fakeRotator{decision: decision}, &fakeInventory{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/chain", nil)
	rec := httptest.NewRecorder()
	srv.handleChain(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "abc")
}

func TestHandlePool_ReturnsInventorySnapshot(t *testing.T) {
	inv := &fakeInventory{pools: inventory.Pools{
		Combined: []inventory.Proxy{{IP: "9.9.9.9", Port: 80, Protocol: "http"}},
	}}
	srv := New("", &fakeRotator{}, inv, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/pool", nil)
	rec := httptest.NewRecorder()
	srv.handlePool(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "9.9.9.9")
}
