package transport

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// ChaosConfig describes the faults injected on the outbound side of a link.
type ChaosConfig struct {
	// Probabilities [0..1]
	Loss    float64 // drop datagram
	Dup     float64 // deliver twice
	Reorder float64 // hold datagram back until after the next one

	// Seed for the fault generator; runs with the same seed and traffic
	// inject the same faults.
	Seed uint64
}

// Compile-time interface check.
var _ Link = (*ChaosLink)(nil)

// ChaosLink wraps a Link and injects loss, duplication and reordering into
// everything sent through it.
type ChaosLink struct {
	under Link
	up    atomic.Bool

	mu   sync.Mutex
	cfg  ChaosConfig
	rng  *rand.Rand
	held [][]byte
}

// WrapChaos wraps under. The link starts up.
func WrapChaos(under Link, cfg ChaosConfig) *ChaosLink {
	cfg.Loss, cfg.Dup, cfg.Reorder = clamp01(cfg.Loss), clamp01(cfg.Dup), clamp01(cfg.Reorder)
	c := &ChaosLink{
		under: under,
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5bd1e995)),
	}
	c.up.Store(true)
	return c
}

// Send applies the fault model, then forwards to the wrapped link. Faults
// are silent: the caller always sees success unless the link is closed.
func (c *ChaosLink) Send(data []byte) error {
	if !c.up.Load() {
		return nil
	}

	c.mu.Lock()
	var out [][]byte
	switch {
	case c.rng.Float64() < c.cfg.Loss:
	case c.rng.Float64() < c.cfg.Reorder:
		c.held = append(c.held, clone(data))
	default:
		out = append(out, data)
		if c.rng.Float64() < c.cfg.Dup {
			out = append(out, data)
		}
		out = append(out, c.held...)
		c.held = c.held[:0]
	}
	c.mu.Unlock()

	for _, d := range out {
		if err := c.under.Send(d); err != nil {
			return err
		}
	}
	return nil
}

func (c *ChaosLink) OnMessage(fn func([]byte)) { c.under.OnMessage(fn) }
func (c *ChaosLink) Done() <-chan struct{}     { return c.under.Done() }
func (c *ChaosLink) Close() error              { return c.under.Close() }

// --- controls ---

// SetUp toggles the link. While down every datagram is silently lost.
func (c *ChaosLink) SetUp(up bool) { c.up.Store(up) }

func (c *ChaosLink) SetLoss(p float64) { c.mu.Lock(); c.cfg.Loss = clamp01(p); c.mu.Unlock() }

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
