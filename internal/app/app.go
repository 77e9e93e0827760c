// Package app contains the top-level orchestration for the host and guest
// roles and the offline modes (sync test, replay playback).
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/input"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/replay"
	"github.com/1ureka/rollnet/internal/rollback"
	"github.com/1ureka/rollnet/internal/sandbox"
	"github.com/1ureka/rollnet/internal/session"
	"github.com/1ureka/rollnet/internal/transport"
	"github.com/1ureka/rollnet/internal/util"
)

// DefaultROM identifies the built-in arena when no ROM file is given.
var DefaultROM = []byte("rollnet-arena-v1")

// Options are shared by every mode.
type Options struct {
	Config  config.Config
	ROM     []byte
	Console protocol.ConsoleClass
	Name    string

	// ReplayDB is the bolt file recordings are saved to. Empty disables
	// recording.
	ReplayDB string
	// StatsInterval is the period of the traffic/simulation stats log.
	StatsInterval time.Duration
	// ExtraICE adds STUN/TURN URLs to the default set.
	ExtraICE []string

	// Input produces local input for every local slot; nil plays the
	// built-in bot.
	Input func(seed uint64) session.InputSource
}

func (o Options) signature() protocol.Signature {
	rom := o.ROM
	if len(rom) == 0 {
		rom = DefaultROM
	}
	console := o.Console
	if console == 0 {
		console = protocol.ConsoleZ
	}
	return protocol.NewSignature(rom, console, o.Config.TickRate)
}

func (o Options) source(seed uint64) session.InputSource {
	if o.Input != nil {
		return o.Input(seed)
	}
	return Bot(seed)
}

func newEndpoint(cfg config.Config, sig protocol.Signature) *transport.Endpoint {
	return transport.NewEndpoint(transport.Options{
		Fingerprint:        sig.Fingerprint(),
		RetransmitInterval: cfg.RetransmitInterval,
		CriticalTimeout:    cfg.CriticalTimeout,
		DisconnectTimeout:  cfg.DisconnectTimeout,
	})
}

// Bot returns a deterministic input source that holds each choice for a
// few ticks, like a player would. Every slot plays differently.
func Bot(seed uint64) session.InputSource {
	return func(slot uint8, tick uint64) input.Input {
		x := seed ^ (uint64(slot)+1)*0x9e3779b97f4a7c15 ^ (tick/8)*0xbf58476d1ce4e5b9
		x ^= x >> 31
		x *= 0x94d049bb133111eb
		x ^= x >> 29
		return input.Input{
			Buttons: uint32(x & 0x3),
			Axes: [4]input.Fixed{
				input.Fixed(int16(x>>16) >> 6),
				input.Fixed(int16(x>>32) >> 6),
			},
		}
	}
}

// ---------------------------------------------------------------------------
// Session phase, shared by host and guest
// ---------------------------------------------------------------------------

type sessionParams struct {
	ep     *transport.Endpoint
	hs     session.Handshake
	sig    protocol.Signature
	start  protocol.SessionStart
	local  uint8
	routes map[uint8]transport.PeerID
	relay  bool
}

// playSession runs the session lanes until ctx ends or the session fails,
// then saves the recording.
func playSession(ctx context.Context, o Options, p sessionParams) error {
	var rec *replay.Recorder
	var hooks rollback.Hooks
	if o.ReplayDB != "" {
		rec = replay.NewRecorder(replay.NewHeader(p.sig, p.start))
		hooks.OnConfirmed = rec.Record
	}

	sess, err := session.New(p.ep, session.Options{
		Config:    o.Config,
		Start:     p.start,
		Local:     []uint8{p.local},
		Handshake: p.hs,
		Sandbox:   sandbox.NewArena(p.start.Seed),
		Routes:    p.routes,
		Relay:     p.relay,
		Hooks:     hooks,
		OnEvent:   logEvent,
	})
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx, o.StatsInterval)
	util.LogSuccess("session %s started: slot %d, %d players", sess.ID(), p.local, len(p.start.Slots))

	runErr := sess.Run(ctx, o.source(p.start.Seed))

	st := sess.Status()
	util.LogInfo("session ended at tick %d (watermark %d, %d ticks replayed)", st.Tick, st.Watermark, st.Replayed)
	for _, ps := range st.Peers {
		util.LogInfo("  slot %d: rtt %v, ahead %d, %s", ps.Slot, ps.RTT, ps.FramesAhead, ps.Quality)
	}

	if rec != nil {
		if err := saveReplay(o.ReplayDB, rec); err != nil {
			util.LogWarning("replay not saved: %v", err)
		}
	}
	return runErr
}

func saveReplay(path string, rec *replay.Recorder) error {
	r, err := rec.Finish()
	if err != nil {
		return err
	}
	if r.Header.Ticks == 0 {
		return nil
	}
	store, err := replay.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Save(r); err != nil {
		return err
	}
	util.LogSuccess("replay %s saved (%d ticks, %d bytes)", r.Header.SessionID, r.Header.Ticks, len(r.Stream))
	return nil
}

func logEvent(e session.Event) {
	switch e.Type {
	case session.EventStalled:
		util.LogWarning("tick %d: stalled waiting for remote input", e.Tick)
	case session.EventResumed:
		util.LogInfo("tick %d: resumed", e.Tick)
	case session.EventPeerDisconnected:
		util.LogError("tick %d: slot %d disconnected: %v", e.Tick, e.Slot, e.Err)
	case session.EventDesync:
		util.LogError("tick %d: desync: %v", e.Tick, e.Err)
	default:
		util.LogDebug("session event %s at tick %d", e.Type, e.Tick)
	}
}

// pollUntil drives a handshake loop at the poll interval until done
// reports true, the step fails or ctx ends.
func pollUntil(ctx context.Context, interval time.Duration, step func(now time.Time) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			done, err := step(now)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func banner(lines ...string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	for _, l := range lines {
		fmt.Printf("║  %-39s ║\n", l)
	}
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()
}
