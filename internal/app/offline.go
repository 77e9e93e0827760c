package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/rollnet/internal/handshake"
	"github.com/1ureka/rollnet/internal/protocol"
	"github.com/1ureka/rollnet/internal/replay"
	"github.com/1ureka/rollnet/internal/rollback"
	"github.com/1ureka/rollnet/internal/sandbox"
	"github.com/1ureka/rollnet/internal/session"
	"github.com/1ureka/rollnet/internal/util"
)

// SyncTestOptions configure RunSyncTest.
type SyncTestOptions struct {
	Options

	Ticks         uint64 // ticks to simulate
	CheckDistance int    // settled ticks re-simulated and verified each update
	Players       int    // local players sharing the session, default 1
}

// RunSyncTest plays a local session, one bot per player, as fast as possible
// while the scheduler re-simulates the last CheckDistance ticks on every
// update and compares checksums. Any nondeterminism in the sandbox surfaces
// as a desync error.
func RunSyncTest(ctx context.Context, o SyncTestOptions) (session.Status, error) {
	cfg := o.Config
	cfg.MaxPlayers = max(o.Players, 1)
	if o.CheckDistance <= 0 || o.CheckDistance >= cfg.RollbackWindow {
		return session.Status{}, fmt.Errorf("check distance %d outside 1~%d", o.CheckDistance, cfg.RollbackWindow-1)
	}
	if err := cfg.Validate(); err != nil {
		return session.Status{}, err
	}

	sig := o.signature()
	ep := newEndpoint(cfg, sig)
	defer ep.Close()

	now := time.Now()
	// The lobby holds only this machine; the other local players join the
	// agreed start directly.
	lobbyCfg := cfg
	lobbyCfg.MaxPlayers = 1
	host := handshake.NewHost(lobbyCfg, sig, o.Name, ep)
	if err := host.Open(); err != nil {
		return session.Status{}, err
	}
	if _, err := host.Start(0, now); err != nil {
		return session.Status{}, err
	}
	start, _ := host.SessionStart()
	start.MaxPlayers = uint8(cfg.MaxPlayers)
	local := []uint8{0}
	for slot := 1; slot < cfg.MaxPlayers; slot++ {
		start.Slots = append(start.Slots, protocol.LobbySlot{Slot: uint8(slot), Name: fmt.Sprintf("%s #%d", o.Name, slot+1), Ready: true})
		local = append(local, uint8(slot))
	}

	var rec *replay.Recorder
	var hooks rollback.Hooks
	if o.ReplayDB != "" {
		rec = replay.NewRecorder(replay.NewHeader(sig, start))
		hooks.OnConfirmed = rec.Record
	}

	sess, err := session.New(ep, session.Options{
		Config:        cfg,
		Start:         start,
		Handshake:     host,
		Sandbox:       sandbox.NewArena(start.Seed),
		Local:         local,
		CheckDistance: o.CheckDistance,
		Hooks:         hooks,
		OnEvent:       logEvent,
	})
	if err != nil {
		return session.Status{}, err
	}
	defer sess.Close()

	source := o.source(start.Seed)
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("sync test: %d players, %d ticks, check distance %d",
		len(local), o.Ticks, o.CheckDistance))

	for sess.CurrentTick() < o.Ticks {
		if err := ctx.Err(); err != nil {
			spinner.Warning("sync test interrupted")
			return sess.Status(), nil
		}
		if _, err := sess.Tick(time.Now(), sess.Sample(source)); err != nil {
			spinner.Fail(fmt.Sprintf("tick %d: %v", sess.CurrentTick(), err))
			return sess.Status(), err
		}
	}

	st := sess.Status()
	spinner.Success(fmt.Sprintf("%d ticks deterministic across %d-tick re-simulation", st.Tick, o.CheckDistance))
	if rec != nil {
		if err := saveReplay(o.ReplayDB, rec); err != nil {
			util.LogWarning("replay not saved: %v", err)
		}
	}
	return st, nil
}

// ListReplays prints the recordings in the store, newest first.
func ListReplays(path string) error {
	store, err := replay.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	headers, err := store.List()
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		util.LogInfo("no replays in %s", path)
		return nil
	}

	data := pterm.TableData{{"ID", "Created", "Players", "Ticks", "Rate"}}
	for _, h := range headers {
		data = append(data, []string{
			h.SessionID.String(),
			h.Created.Local().Format(time.DateTime),
			strconv.Itoa(len(h.Slots)),
			strconv.FormatUint(h.Ticks, 10),
			fmt.Sprintf("%d Hz", h.TickRate),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// PlayReplay re-simulates a stored recording and verifies every tick's
// checksum against the one recorded live.
func PlayReplay(o Options, path, id string) (replay.Result, error) {
	sid, err := uuid.Parse(id)
	if err != nil {
		return replay.Result{}, fmt.Errorf("invalid replay id %q: %w", id, err)
	}

	store, err := replay.OpenStore(path)
	if err != nil {
		return replay.Result{}, err
	}
	r, err := store.Load(sid)
	store.Close()
	if err != nil {
		return replay.Result{}, err
	}

	recorded, err := r.Header.Signature()
	if err != nil {
		return replay.Result{}, err
	}
	if detail := o.signature().Mismatch(recorded); detail != "" {
		util.LogWarning("recording was made with a different setup: %s", detail)
	}

	bar, _ := pterm.DefaultProgressbar.WithTotal(int(r.Header.Ticks)).WithTitle("replaying").Start()
	res, err := replay.Play(r, sandbox.NewArena(r.Header.Seed), func(uint64, uint32) { bar.Increment() })
	_, _ = bar.Stop()
	if err != nil {
		return res, err
	}

	util.LogSuccess("replay %s verified: %d ticks, final tick %d, checksum %08x", sid, res.Ticks, res.FinalTick, res.Checksum)
	return res, nil
}

// DeleteReplay removes a recording from the store.
func DeleteReplay(path, id string) error {
	sid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid replay id %q: %w", id, err)
	}
	store, err := replay.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Delete(sid)
}
