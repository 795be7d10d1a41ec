package verifier

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/spectre-net/spectre/internal/inventory"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// fakeDialer always succeeds or always fails, and optionally records the
// peak number of concurrent in-flight calls.
type fakeDialer struct {
	fail      bool
	inFlight  int32
	peak      int32
}

func (f *fakeDialer) DialThrough(ctx context.Context, proxyAddr, proto, target string) (net.Conn, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		old := atomic.LoadInt32(&f.peak)
		if n <= old || atomic.CompareAndSwapInt32(&f.peak, old, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	if f.fail {
		return nil, errors.New("dial failed")
	}
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func makeProxies(n int, failCount uint32) []inventory.Proxy {
	out := make([]inventory.Proxy, n)
	for i := range out {
		out[i] = inventory.Proxy{
			IP: "1.1.1.1", Port: uint16(1000 + i), Protocol: "http",
			FailCount: failCount, Score: 0.5,
		}
	}
	return out
}

// S6 — verifier pruning: 5 unreachable proxies starting at fail_count=2
// all advance to 3 and are pruned, leaving no survivors.
func TestVerifyPool_PrunesAfterThreeFailures(t *testing.T) {
	proxies := makeProxies(5, 2)
	v := New(&fakeDialer{fail: true}, testLogger())

	survivors := v.VerifyPool(context.Background(), proxies)
	require.Empty(t, survivors)
}

// Invariant 9 — monotonicity: success never increases fail_count,
// failure never decreases it.
func TestVerifyPool_Monotonicity(t *testing.T) {
	proxies := makeProxies(3, 1)
	v := New(&fakeDialer{fail: false}, testLogger())
	survivors := v.VerifyPool(context.Background(), proxies)
	require.Len(t, survivors, 3)
	for _, p := range survivors {
		require.Equal(t, uint32(0), p.FailCount)
		require.True(t, p.Alive)
	}

	failing := New(&fakeDialer{fail: true}, testLogger())
	proxies2 := makeProxies(3, 0)
	survivors2 := failing.VerifyPool(context.Background(), proxies2)
	for _, p := range survivors2 {
		require.Equal(t, uint32(1), p.FailCount)
	}
}

// Invariant 10 — pruning: no survivor has fail_count >= 3.
func TestVerifyPool_NoSurvivorAtOrAboveThreshold(t *testing.T) {
	proxies := makeProxies(4, 2)
	v := New(&fakeDialer{fail: true}, testLogger())
	survivors := v.VerifyPool(context.Background(), proxies)
	for _, p := range survivors {
		require.Less(t, p.FailCount, inventory.MaxFailCount)
	}
}

func TestVerifyPool_UpdatesLastVerifiedEvenOnFailure(t *testing.T) {
	proxies := makeProxies(2, 0)
	dialer := &fakeDialer{fail: true}
	v := New(dialer, testLogger())
	before := time.Now()
	survivors := v.VerifyPool(context.Background(), proxies)
	require.Len(t, survivors, 2)
	for _, p := range survivors {
		require.True(t, p.LastVerified.After(before) || p.LastVerified.Equal(before))
	}
}

func TestVerifyPool_BoundsConcurrency(t *testing.T) {
	dialer := &fakeDialer{fail: false}
	v := New(dialer, testLogger())
	proxies := makeProxies(200, 0)
	v.VerifyPool(context.Background(), proxies)
	require.LessOrEqual(t, int(dialer.peak), MaxConcurrency)
}

func TestIsPoolHealthy(t *testing.T) {
	now := time.Now()
	var healthy []inventory.Proxy
	for i := 0; i < 30; i++ {
		healthy = append(healthy, inventory.Proxy{Alive: true, LastVerified: now})
	}
	require.True(t, IsPoolHealthy(healthy, time.Minute))

	var tooFew []inventory.Proxy
	for i := 0; i < 29; i++ {
		tooFew = append(tooFew, inventory.Proxy{Alive: true, LastVerified: now})
	}
	require.False(t, IsPoolHealthy(tooFew, time.Minute))

	var stale []inventory.Proxy
	for i := 0; i < 30; i++ {
		stale = append(stale, inventory.Proxy{Alive: true, LastVerified: now.Add(-time.Hour)})
	}
	require.False(t, IsPoolHealthy(stale, time.Minute))
}
