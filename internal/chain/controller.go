package chain

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spectre-net/spectre/internal/hopcrypto"
	"github.com/spectre-net/spectre/internal/inventory"
	"github.com/spectre-net/spectre/internal/metrics"
)

// DefaultRotateInterval is the periodic rotation cadence from spec.md §4.E.
const DefaultRotateInterval = 300 * time.Second

// PoolsSource supplies the inventory snapshot the controller filters and
// selects from on each rotation tick.
type PoolsSource interface {
	Snapshot() inventory.Pools
}

// Config controls the controller's rotation behavior.
type Config struct {
	Mode           string
	RotateInterval time.Duration // 0 disables the periodic ticker
	CryptoMode     hopcrypto.Mode
}

// Controller owns the single current RotationDecision. Clients acquire a
// read snapshot at connection time and use it for the entire connection
// lifetime — rotation never mid-flights an existing circuit (Invariant 11).
type Controller struct {
	pools   PoolsSource
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Collectors // nil disables metric reporting

	mu      sync.RWMutex
	current *RotationDecision

	onRotate func(*RotationDecision)

	stop chan struct{}
	wg   sync.WaitGroup
}

// WithMetrics attaches a collector set the controller reports rotation
// outcomes to. Optional; a nil receiver call is a no-op guard elsewhere.
func (c *Controller) WithMetrics(m *metrics.Collectors) *Controller {
	c.metrics = m
	return c
}

// OnRotate registers fn to run synchronously after every later successful
// rotation (manual or interval). The startup rotation runs inside New,
// before any hook can be registered, so fn is not called for it. Used by
// callers that persist
// chain topology without the chain package depending on a storage
// format.
func (c *Controller) OnRotate(fn func(*RotationDecision)) *Controller {
	c.onRotate = fn
	return c
}

// New builds the controller and performs an initial synchronous
// rotation so Current() never races an empty decision against the very
// first connection.
func New(pools PoolsSource, cfg Config, log *logrus.Entry) (*Controller, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Controller{
		pools: pools,
		cfg:   cfg,
		log:   log,
		stop:  make(chan struct{}),
	}
	c.rotate("startup")
	return c, nil
}

// Current returns the active decision, or nil if no chain could be
// built yet (pool empty). Callers must treat the returned pointer as
// immutable and clone nothing — the controller never mutates a
// decision in place, only replaces the pointer.
func (c *Controller) Current() *RotationDecision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Start launches the periodic rotation ticker. Call Stop to shut it down.
func (c *Controller) Start() {
	if c.cfg.RotateInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.loop()
}

// Stop shuts down the rotation ticker.
func (c *Controller) Stop() {
	select {
	case <-c.stop:
		return
	default:
		close(c.stop)
	}
	c.wg.Wait()
}

// ForceRotate triggers an immediate out-of-band rotation attempt.
func (c *Controller) ForceRotate() {
	c.rotate("manual")
}

func (c *Controller) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RotateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.rotate("interval")
		case <-c.stop:
			return
		}
	}
}

// rotate builds a new decision from the current inventory snapshot and
// atomically swaps it in. On failure (or an empty filtered pool), the
// previous decision remains authoritative — rotation failure is silent
// to callers, logged here.
func (c *Controller) rotate(reason string) {
	pools := c.pools.Snapshot()
	pool := Filter(c.cfg.Mode, pools.DNSCapable, pools.NonDNS, pools.Combined)

	decision, err := BuildDecision(c.cfg.Mode, pool, c.cfg.CryptoMode)
	if err != nil {
		c.log.WithError(err).WithField("reason", reason).Warn("rotation failed; keeping previous decision")
		c.countRotation("error")
		return
	}
	if decision == nil {
		c.log.WithField("reason", reason).WithField("mode", c.cfg.Mode).Warn("rotation produced no chain (empty pool); keeping previous decision")
		c.countRotation("empty_pool")
		return
	}

	c.mu.Lock()
	c.current = decision
	c.mu.Unlock()
	c.countRotation("ok")
	if c.onRotate != nil {
		c.onRotate(decision)
	}

	c.log.WithFields(logrus.Fields{
		"reason":   reason,
		"chain_id": decision.ChainID,
		"hops":     len(decision.Chain),
		"mode":     decision.Mode,
	}).Info("chain rotated")
}

func (c *Controller) countRotation(outcome string) {
	if c.metrics != nil {
		c.metrics.RotationsTotal.WithLabelValues(outcome).Inc()
	}
}
