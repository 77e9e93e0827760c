package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/rollnet/internal/handshake"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/signaling"
	"github.com/1ureka/rollnet/internal/transport"
	"github.com/1ureka/rollnet/internal/util"
)

// ErrYielded is returned when another host won the double-host arbitration.
var ErrYielded = errors.New("another host won arbitration; join its lobby instead")

// HostOptions configure RunHost.
type HostOptions struct {
	Options

	Addr string // signaling listen address, e.g. ":8080"; ":0" picks a port
	PIN  string // empty generates one

	// StartAt is the lobby size at which the host starts once everybody is
	// ready. Zero means a full lobby.
	StartAt int
	// InitialTick is the first tick of the session; the baseline snapshot
	// is taken here.
	InitialTick uint64
}

// RunHost opens a lobby, admits guests over WebRTC, starts the session and
// plays it until ctx ends or the session fails.
func RunHost(ctx context.Context, o HostOptions) error {
	cfg := o.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	startAt := o.StartAt
	if startAt <= 0 || startAt > cfg.MaxPlayers {
		startAt = cfg.MaxPlayers
	}

	sig := o.signature()
	ep := newEndpoint(cfg, sig)
	defer ep.Close()

	host := handshake.NewHost(cfg, sig, o.Name, ep)
	if err := host.Open(); err != nil {
		return err
	}

	links := make(chan transport.Link)
	acceptCtx, stopAccept := context.WithCancel(ctx)
	defer stopAccept()

	var ln *signaling.Listener
	if cfg.MaxPlayers > 1 {
		var err error
		ln, err = signaling.Listen(o.Addr, o.PIN, cfg.MaxPlayers-1, o.ExtraICE...)
		if err != nil {
			return err
		}
		defer ln.Close()

		banner(
			"Lobby open",
			fmt.Sprintf("Session: %s", host.SessionID().String()[:8]),
			fmt.Sprintf("Port:    %d", ln.Port()),
			fmt.Sprintf("PIN:     %s", ln.PIN()),
			fmt.Sprintf("Players: %d/%d to start", startAt, cfg.MaxPlayers),
		)
		go acceptLoop(acceptCtx, ln, links)
	}

	err := runLobby(ctx, ep, host, links, startAt, o.InitialTick)
	stopAccept()
	if ln != nil {
		ln.Close()
	}
	if err != nil {
		host.Close()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	start, _ := host.SessionStart()
	return playSession(ctx, o.Options, sessionParams{
		ep:     ep,
		hs:     host,
		sig:    sig,
		start:  start,
		local:  0,
		routes: host.Members(),
		relay:  true,
	})
}

// runLobby attaches incoming links and drives the host machine until every
// guest has acknowledged SessionStart.
func runLobby(ctx context.Context, ep *transport.Endpoint, host *handshake.Host, links <-chan transport.Link, startAt int, initialTick uint64) error {
	cfg := host.Config()
	return pollUntil(ctx, cfg.PollInterval, func(now time.Time) (bool, error) {
	drain:
		for {
			select {
			case link := <-links:
				peer := ep.Attach(link, now)
				util.LogInfo("guest link attached as peer %d", peer)
			default:
				break drain
			}
		}

		var events []handshake.Event
		for _, in := range ep.RecvAll(now) {
			events = append(events, host.HandleMessage(in, now)...)
		}
		for _, f := range ep.Poll(now) {
			util.LogDebug("lobby: %v", f)
			events = append(events, host.PeerLost(f.Peer, now)...)
			if !isMember(host, f.Peer) {
				ep.Detach(f.Peer)
			}
		}

		for _, e := range events {
			switch e.Type {
			case handshake.EventLeft:
				ep.Detach(e.Peer)
			case handshake.EventLobbyChanged:
				printLobby(host.Lobby(), cfg.MaxPlayers)
			case handshake.EventYield:
				return false, ErrYielded
			case handshake.EventDisconnected:
				return false, fmt.Errorf("session start failed: %w", e.Err)
			}
		}

		switch host.Phase() {
		case handshake.PhaseAllReady:
			if len(host.Lobby()) < startAt {
				return false, nil
			}
			util.LogInfo("everyone is ready, starting with %d players", len(host.Lobby()))
			if _, err := host.Start(initialTick, now); err != nil {
				return false, err
			}
			return host.Phase() == handshake.PhaseInSession, nil
		case handshake.PhaseInSession:
			return true, nil
		}
		return false, nil
	})
}

// acceptLoop hands each new guest link to the lobby until ctx ends.
func acceptLoop(ctx context.Context, ln *signaling.Listener, links chan<- transport.Link) {
	for {
		link, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, signaling.ErrClosed) {
				return
			}
			util.LogWarning("guest connection failed: %v", err)
			continue
		}
		select {
		case links <- link:
		case <-ctx.Done():
			link.Close()
			return
		}
	}
}

func isMember(h *handshake.Host, peer transport.PeerID) bool {
	for _, p := range h.Members() {
		if p == peer {
			return true
		}
	}
	return false
}

func printLobby(slots []protocol.LobbySlot, capacity int) {
	data := pterm.TableData{{"Slot", "Name", "Ready"}}
	for _, s := range slots {
		ready := "no"
		if s.Ready {
			ready = "yes"
		}
		data = append(data, []string{strconv.Itoa(int(s.Slot)), s.Name, ready})
	}
	util.LogInfo("lobby: %d/%d", len(slots), capacity)
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
