// Package runtime assembles components A-I behind a single handle (the
// Runtime Façade, component J): backend selection with fallback, and the
// two background sweepers from §5. It is the only surface CLIs and
// workers see; everything else in this module is reachable only through
// it or directly in tests.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/maf/internal/clock"
	"github.com/codeready-toolchain/maf/internal/config"
	"github.com/codeready-toolchain/maf/internal/escalation"
	"github.com/codeready-toolchain/maf/internal/heartbeat"
	"github.com/codeready-toolchain/maf/internal/journal"
	"github.com/codeready-toolchain/maf/internal/leasemgr"
	"github.com/codeready-toolchain/maf/internal/precommit"
	"github.com/codeready-toolchain/maf/internal/scheduler"
	"github.com/codeready-toolchain/maf/internal/store"
	"github.com/codeready-toolchain/maf/internal/store/filestore"
	"github.com/codeready-toolchain/maf/internal/store/memory"
	"github.com/codeready-toolchain/maf/internal/store/pg"
	"github.com/codeready-toolchain/maf/internal/taskfsm"
)

// Runtime is the single coherent handle bundling components A-I.
type Runtime struct {
	cfg   *config.Config
	clock clock.Clock
	store store.Store

	Tasks      *taskfsm.Machine
	Leases     *leasemgr.Manager
	Scheduler  *scheduler.Engine
	Heartbeat  *heartbeat.Tracker
	Journal    *journal.Journal
	Escalation *escalation.Channel
	PreCommit  *precommit.Enforcer

	backendUsed store.Backend

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// Open selects a backend per cfg.Backend / cfg.Fallback, wires every
// component on top of it, bootstraps the default escalation channels, and
// returns a ready Runtime. Backend selection failures are tried in order
// and logged as structured events, per §4.J.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	clk := clock.New()

	candidates := append([]store.Backend{cfg.Backend}, cfg.Fallback...)
	var (
		st  store.Store
		via store.Backend
	)
	var lastErr error
	for _, backend := range candidates {
		s, err := openBackend(ctx, backend, cfg, clk)
		if err != nil {
			slog.Warn("backend open failed, trying fallback", "backend", backend, "error", err)
			lastErr = err
			continue
		}
		st, via = s, backend
		break
	}
	if st == nil {
		return nil, fmt.Errorf("all backends failed, last error: %w", lastErr)
	}
	if via != cfg.Backend {
		slog.Warn("fell back to alternate backend", "requested", cfg.Backend, "used", via)
	}

	rt := &Runtime{
		cfg:         cfg,
		clock:       clk,
		store:       st,
		backendUsed: via,
		Tasks:       taskfsm.New(st),
		Leases:      leasemgr.New(st, clk),
		Scheduler:   scheduler.New(st),
		Journal:     journal.New(st),
		Escalation:  escalation.New(st, clk),
		PreCommit:   precommit.New(st, clk, cfg.OverrideSignal),
	}
	rt.Heartbeat = heartbeat.New(st, rt.Leases, clk, cfg.LivenessTimeout, cfg.HeartbeatWindow)

	if err := rt.Escalation.Bootstrap(ctx, cfg.DebugChannel, cfg.ReviewChannel); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("bootstrap escalation channels: %w", err)
	}

	if _, err := st.AppendEvent(ctx, "", "RUNTIME_OPENED", []byte(fmt.Sprintf(`{"backend":%q}`, via))); err != nil {
		slog.Warn("failed to record runtime-opened event", "error", err)
	}

	return rt, nil
}

func openBackend(ctx context.Context, backend store.Backend, cfg *config.Config, clk clock.Clock) (store.Store, error) {
	switch backend {
	case store.BackendDurable:
		return pg.Open(ctx, pg.Config{ConnString: cfg.StorePath})
	case store.BackendFile:
		return filestore.Open(cfg.StorePath, clk)
	case store.BackendMemory:
		return memory.New(clk), nil
	default:
		return nil, fmt.Errorf("unrecognized backend %q", backend)
	}
}

// Backend reports which backend is actually in use, after fallback.
func (r *Runtime) Backend() store.Backend { return r.backendUsed }

// StartSweepers launches the two background sweepers from §5:
// lease_sweep (reclaims expired leases/reservations) and liveness_sweep
// (marks stale agents inactive and reclaims their expired holdings). A sweeper's
// failure is logged and reported as an event; it never stops the loop.
func (r *Runtime) StartSweepers(ctx context.Context) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepStop != nil {
		return
	}
	r.sweepStop = make(chan struct{})

	r.sweepWG.Add(2)
	go r.runSweeper(ctx, "lease_sweep", r.cfg.LeaseSweepInterval, r.sweepStop, r.leaseSweepTick)
	go r.runSweeper(ctx, "liveness_sweep", r.cfg.LivenessSweepInterval, r.sweepStop, r.livenessSweepTick)
}

// StopSweepers stops both background sweepers and waits for them to exit.
func (r *Runtime) StopSweepers() {
	r.sweepMu.Lock()
	stop := r.sweepStop
	r.sweepStop = nil
	r.sweepMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	r.sweepWG.Wait()
}

func (r *Runtime) runSweeper(ctx context.Context, name string, interval time.Duration, stop <-chan struct{}, tick func(context.Context) error) {
	defer r.sweepWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				slog.Error("sweeper failed, will retry next tick", "sweeper", name, "error", err)
				_, _ = r.store.AppendEvent(ctx, "", "ERROR", []byte(fmt.Sprintf(`{"sweeper":%q,"error":%q}`, name, err.Error())))
			}
		}
	}
}

func (r *Runtime) leaseSweepTick(ctx context.Context) error {
	_, _, err := r.Leases.ReclaimExpired(ctx, r.clock.Now(), "")
	return err
}

func (r *Runtime) livenessSweepTick(ctx context.Context) error {
	_, _, _, err := r.Heartbeat.Sweep(ctx)
	return err
}

// Close stops the sweepers (if running) and closes the underlying store.
func (r *Runtime) Close() error {
	r.StopSweepers()
	return r.store.Close()
}
