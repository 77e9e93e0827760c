package app

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/rollnet/internal/handshake"
	"github.com/1ureka/rollnet/internal/signaling"
	"github.com/1ureka/rollnet/internal/transport"
	"github.com/1ureka/rollnet/internal/util"
)

// dialTimeout bounds signaling plus ICE negotiation.
const dialTimeout = 30 * time.Second

// GuestOptions configure RunGuest.
type GuestOptions struct {
	Options

	URL string // host's signaling URL including ?pin=

	// Unready keeps the guest unready after joining; by default it marks
	// itself ready as soon as it holds a slot.
	Unready bool
}

// RunGuest connects to a host, joins its lobby and plays the session.
func RunGuest(ctx context.Context, o GuestOptions) error {
	cfg := o.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	sig := o.signature()

	util.LogInfo("connecting to %s", o.URL)
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	link, err := signaling.Dial(dialCtx, o.URL, o.ExtraICE...)
	cancel()
	if err != nil {
		return err
	}

	ep := newEndpoint(cfg, sig)
	defer ep.Close()
	hostPeer := ep.Attach(link, time.Now())

	guest := handshake.NewGuest(cfg, sig, o.Name, ep)
	if err := guest.Connect(hostPeer, time.Now()); err != nil {
		return err
	}

	err = joinLobby(ctx, ep, guest, !o.Unready)
	if err != nil {
		guest.Close()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("join failed: %w", err)
	}

	start := guest.SessionStart()
	routes := make(map[uint8]transport.PeerID)
	for _, s := range start.Slots {
		if s.Slot != guest.Slot() {
			routes[s.Slot] = hostPeer
		}
	}

	return playSession(ctx, o.Options, sessionParams{
		ep:     ep,
		hs:     guest,
		sig:    sig,
		start:  start,
		local:  guest.Slot(),
		routes: routes,
	})
}

// joinLobby drives the guest machine until the session starts, the host
// refuses us or the host goes away. The host link must already be attached.
func joinLobby(ctx context.Context, ep *transport.Endpoint, guest *handshake.Guest, ready bool) error {
	cfg := guest.Config()
	return pollUntil(ctx, cfg.PollInterval, func(now time.Time) (bool, error) {
		var events []handshake.Event
		for _, in := range ep.RecvAll(now) {
			events = append(events, guest.HandleMessage(in, now)...)
		}
		for _, f := range ep.Poll(now) {
			events = append(events, guest.PeerLost(f.Peer, f)...)
		}
		events = append(events, guest.Poll(now)...)

		for _, e := range events {
			switch e.Type {
			case handshake.EventAccepted:
				util.LogSuccess("joined as slot %d", e.Slot)
				if ready {
					if err := guest.SetReady(true, now); err != nil {
						return false, err
					}
				}
			case handshake.EventLobbyChanged:
				printLobby(guest.Lobby(), cfg.MaxPlayers)
			case handshake.EventRejected, handshake.EventDisconnected:
				return false, e.Err
			}
		}
		return guest.Phase() == handshake.PhaseInSession, nil
	})
}
