// Rollnet CLI entry point.
//
// Runs a deterministic rollback session for up to four players over WebRTC
// DataChannels. The host opens a PIN-protected WebSocket lobby; guests join
// with its URL. Two offline modes check a sandbox for determinism (synctest)
// and verify or list recorded sessions (replay).
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -players, -wsPort, -wsUrl, -pin, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/rollnet/internal/app"
	"github.com/1ureka/rollnet/internal/config"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	// CLI flags.
	role := flag.String("role", "", "Role: host, guest, synctest or replay")
	players := flag.Int("players", cfg.MaxPlayers, "Lobby size including the host, or local players for synctest, 1~4")
	startAt := flag.Int("startAt", 0, "Start once this many players are ready (host only, default: full lobby)")
	rateHz := flag.Int("rate", cfg.TickRate.Hz(), "Tick rate in Hz: 24, 30, 60 or 120")
	delay := flag.Int("delay", cfg.InputDelay, "Input delay in ticks")
	window := flag.Int("window", cfg.RollbackWindow, "Rollback window in ticks")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling server port (host only)")
	wsListenFlag := flag.Bool("wsListen", false, "Listen on all network interfaces (host only, for LAN access)")
	pinFlag := flag.String("pin", "", "Lobby PIN (host: default random; guest: appended to -wsUrl)")
	wsURLFlag := flag.String("wsUrl", "", "WebSocket URL to connect to (guest only)")
	name := flag.String("name", defaultName(), "Player name shown in the lobby")
	romPath := flag.String("rom", "", "ROM image both sides must share (default: built-in arena)")
	console := flag.String("console", "z", "Console class: z or zx")
	replays := flag.String("replays", "rollnet.db", "Replay database file, empty to disable recording")
	ticks := flag.Uint64("ticks", 600, "Ticks to simulate (synctest only)")
	check := flag.Int("check", 4, "Ticks re-simulated and verified each update (synctest only)")
	play := flag.String("play", "", "Replay id to verify (replay only; default lists replays)")
	del := flag.String("delete", "", "Replay id to delete (replay only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Rollnet — v%s", version))
	pterm.Println()

	rate, err := config.ParseTickRate(*rateHz)
	if err != nil {
		fatal(err)
	}
	cfg.TickRate = rate
	cfg.MaxPlayers = *players
	cfg.InputDelay = *delay
	cfg.RollbackWindow = *window

	opts := app.Options{
		Config:   cfg,
		Name:     *name,
		ReplayDB: *replays,
	}
	if opts.Console, err = parseConsole(*console); err != nil {
		fatal(err)
	}
	if *romPath != "" {
		if opts.ROM, err = os.ReadFile(*romPath); err != nil {
			fatal(fmt.Errorf("failed to read ROM: %w", err))
		}
	}

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, opts)

	case "host":
		var wsAddr string

		switch {
		case *wsListenFlag:
			wsAddr = fmt.Sprintf(":%d", *wsPortFlag)
		case *wsPortFlag > 0:
			wsAddr = fmt.Sprintf("127.0.0.1:%d", *wsPortFlag)
		default:
			wsAddr = ":0"
		}

		runHost(ctx, app.HostOptions{Options: opts, Addr: wsAddr, PIN: *pinFlag, StartAt: *startAt})

	case "guest":
		if *wsURLFlag == "" {
			fatal(fmt.Errorf("missing -wsUrl for guest role"))
		}

		wsURL, err := normalizeWSURL(*wsURLFlag, *pinFlag)
		if err != nil {
			fatal(err)
		}

		runGuest(ctx, app.GuestOptions{Options: opts, URL: wsURL})

	case "synctest":
		if _, err := app.RunSyncTest(ctx, app.SyncTestOptions{Options: opts, Ticks: *ticks, CheckDistance: *check, Players: *players}); err != nil {
			fatal(err)
		}

	case "replay":
		runReplay(opts, *play, *del)

	default:
		fatal(fmt.Errorf("invalid -role: must be 'host', 'guest', 'synctest' or 'replay'"))
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and the few settings that matter when no
// -role flag is provided.
func runInteractive(ctx context.Context, opts app.Options) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Host     — Open a lobby",
			"Guest    — Join a lobby",
			"SyncTest — Check the sandbox for determinism",
			"Replay   — List recorded sessions",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Host"):
		opts.Config.MaxPlayers = askInt("Players including you (1 ~ 4)", 1, config.MaxSlots)
		runHost(ctx, app.HostOptions{Options: opts, Addr: ":0"})
	case strings.HasPrefix(role, "Guest"):
		opts.Config.Role = config.RoleGuest
		runGuest(ctx, app.GuestOptions{Options: opts, URL: askURL()})
	case strings.HasPrefix(role, "SyncTest"):
		if _, err := app.RunSyncTest(ctx, app.SyncTestOptions{Options: opts, Ticks: 600, CheckDistance: 4}); err != nil {
			fatal(err)
		}
	default:
		runReplay(opts, "", "")
	}
}

// runHost executes the host side: lobby, start and session.
func runHost(ctx context.Context, opts app.HostOptions) {
	opts.Config.Role = config.RoleHost
	if err := app.RunHost(ctx, opts); err != nil {
		fatal(fmt.Errorf("session failed: %w", err))
	}
	util.LogInfo("session closed")
}

// runGuest executes the guest side: join, wait for start and session.
func runGuest(ctx context.Context, opts app.GuestOptions) {
	opts.Config.Role = config.RoleGuest
	if err := app.RunGuest(ctx, opts); err != nil {
		fatal(fmt.Errorf("session failed: %w", err))
	}
	util.LogInfo("session closed")
}

// runReplay lists, verifies or deletes recordings.
func runReplay(opts app.Options, play, del string) {
	if opts.ReplayDB == "" {
		fatal(fmt.Errorf("-replays must name a database"))
	}

	var err error
	switch {
	case del != "":
		err = app.DeleteReplay(opts.ReplayDB, del)
		if err == nil {
			util.LogSuccess("replay %s deleted", del)
		}
	case play != "":
		_, err = app.PlayReplay(opts, opts.ReplayDB, play)
	default:
		err = app.ListReplays(opts.ReplayDB)
	}
	if err != nil {
		fatal(err)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func fatal(err error) {
	util.LogError("%v", err)
	os.Exit(1)
}

func defaultName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "player"
}

func parseConsole(s string) (protocol.ConsoleClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "z":
		return protocol.ConsoleZ, nil
	case "zx":
		return protocol.ConsoleZX, nil
	}
	return 0, fmt.Errorf("invalid -console %q: must be 'z' or 'zx'", s)
}

// normalizeWSURL validates and normalizes a raw WebSocket URL string. A
// non-empty pin replaces any pin already in the query.
func normalizeWSURL(raw, pin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}

	q := u.Query()
	if pin != "" {
		q.Set("pin", pin)
	}
	if q.Get("pin") == "" {
		return "", fmt.Errorf("missing lobby PIN in %s", raw)
	}
	return fmt.Sprintf("%s://%s/ws?%s", scheme, u.Host, url.Values{"pin": {q.Get("pin")}}.Encode()), nil
}

// askInt prompts the user for a number in [lo, hi] until a valid one is
// entered.
func askInt(prompt string, lo, hi int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && n >= lo && n <= hi {
			pterm.Println()
			return n
		}

		util.LogWarning("invalid number: must be %d ~ %d", lo, hi)
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL and PIN until both are
// entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()
		pin, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Lobby PIN").
			Show()

		wsURL, err := normalizeWSURL(raw, strings.TrimSpace(pin))
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: %v", err)
	}
}
