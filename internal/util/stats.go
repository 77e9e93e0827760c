package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide simulation/traffic counter.
var Stats = &stats{}

type stats struct {
	Ticks         atomic.Int64 // live ticks simulated
	Rollbacks     atomic.Int64 // corrections performed
	ReplayedTicks atomic.Int64 // ticks re-simulated during corrections
	StallTicks    atomic.Int64 // scheduling opportunities blocked by the rollback window
	Dropped       atomic.Int64 // inbound datagrams dropped (decode error, foreign signature, unknown peer)
	Retransmits   atomic.Int64 // critical messages sent again after the retransmit interval
	BytesSent     atomic.Int64 // cumulative bytes written to links
	BytesRecv     atomic.Int64 // cumulative bytes read from links
}

func (s *stats) AddTick()          { s.Ticks.Add(1) }
func (s *stats) AddRollback(n int) { s.Rollbacks.Add(1); s.ReplayedTicks.Add(int64(n)) }
func (s *stats) AddStall()         { s.StallTicks.Add(1) }
func (s *stats) AddDropped()       { s.Dropped.Add(1) }
func (s *stats) AddRetransmit()    { s.Retransmits.Add(1) }
func (s *stats) AddSent(n int)     { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)     { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics every
// interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		secs := interval.Seconds()
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur.ticks > prev.ticks || cur.sent > prev.sent {
					pterm.DefaultLogger.Info(formatStats(cur, prev, secs))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	ticks, rollbacks, replayed, stalls, sent, recv int64
}

func takeSnapshot() snapshot {
	return snapshot{
		ticks:     Stats.Ticks.Load(),
		rollbacks: Stats.Rollbacks.Load(),
		replayed:  Stats.ReplayedTicks.Load(),
		stalls:    Stats.StallTicks.Load(),
		sent:      Stats.BytesSent.Load(),
		recv:      Stats.BytesRecv.Load(),
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders the delta between two snapshots for the logger.
func formatStats(cur, prev snapshot, secs float64) string {
	return fmt.Sprintf("Ticks: %5.1f/s | Rollbacks: %3d (%4d replayed) | Stalls: %3d | In: %s/s | Out: %s/s",
		float64(cur.ticks-prev.ticks)/secs,
		cur.rollbacks-prev.rollbacks,
		cur.replayed-prev.replayed,
		cur.stalls-prev.stalls,
		formatBytes(float64(cur.recv-prev.recv)/secs),
		formatBytes(float64(cur.sent-prev.sent)/secs),
	)
}
