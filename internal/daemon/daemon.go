// Package daemon is the root builder: it constructs every component
// explicitly, injects dependencies, and runs the coordination loop. No
// component exposes mutable globals, so tests may build multiple daemons
// per process.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/zjrosen/loom/internal/agent"
	"github.com/zjrosen/loom/internal/config"
	"github.com/zjrosen/loom/internal/coordinator"
	"github.com/zjrosen/loom/internal/engine"
	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/ipc"
	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/pool"
	"github.com/zjrosen/loom/internal/pubsub"
	"github.com/zjrosen/loom/internal/session"
	"github.com/zjrosen/loom/internal/store"
	"github.com/zjrosen/loom/internal/supervisor"
	"github.com/zjrosen/loom/internal/tracing"
)

// Daemon process exit codes.
const (
	ExitOK       = 0
	ExitConfig   = 64
	ExitLockHeld = 69
	ExitInternal = 70
)

// ExitCodeFor maps an error to the daemon exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case loomerr.HasCode(err, loomerr.CodeLockHeld):
		return ExitLockHeld
	case loomerr.HasCode(err, loomerr.CodeValidationConfig):
		return ExitConfig
	default:
		return ExitInternal
	}
}

// Daemon owns the constructed component tree.
type Daemon struct {
	cfg config.Config

	bus     *pubsub.Bus
	tracer  *tracing.Provider
	store   *store.Store
	pool    *pool.Pool
	procs   *supervisor.Supervisor
	loader  *graph.Loader
	engine  *engine.Engine
	manager *session.Manager
	coord   *coordinator.Coordinator
	server  *ipc.Server

	cancel context.CancelFunc
}

// New builds a daemon from validated configuration.
func New(cfg config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, loomerr.Wrap(loomerr.CodeValidationConfig, err, "configuration rejected")
	}

	backend, err := agent.Get(cfg.DefaultAgentBackend)
	if err != nil {
		return nil, loomerr.Wrap(loomerr.CodeValidationConfig, err, "configuration rejected")
	}

	bus := pubsub.NewBus(pubsub.BusConfig{})

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		bus.Close()
		return nil, loomerr.Wrap(loomerr.CodeValidationConfig, err, "tracing rejected")
	}

	st, err := store.Open(cfg.Workspace, store.Options{
		WorkingDir: cfg.WorkingDirectory,
		LockTTL:    cfg.LockTTLDur(),
	})
	if err != nil {
		bus.Close()
		return nil, err
	}

	// The pool restores persisted slot names so identities survive restarts.
	var agentPool *pool.Pool
	poolCfg := pool.Config{
		Size:         cfg.AgentPoolSize,
		RestDuration: cfg.RestDur(),
		Bus:          bus,
	}
	if state, ok, err := st.LoadPool(); err == nil && ok {
		agentPool = pool.Restore(poolCfg, state)
	} else {
		agentPool = pool.New(poolCfg)
	}

	orphanSig := cfg.OrphanSignature
	if orphanSig == "" {
		orphanSig = backend.Signature()
	}
	procs := supervisor.New(supervisor.Config{
		Bus:             bus,
		StuckThreshold:  cfg.StuckThresholdDur(),
		OrphanSignature: orphanSig,
	})

	loader := graph.NewLoader(graph.NewRegistry())

	eng, err := engine.New(engine.Config{
		Loader:           loader,
		Bus:              bus,
		Pool:             agentPool,
		Procs:            procs,
		Checkpoints:      st,
		Backend:          backend,
		Tracer:           tracer.Tracer(),
		Workspace:        cfg.Workspace,
		AgentLogPath:     st.AgentLogPath,
		ProgressLog:      st.AppendProgress,
		MaxSubgraphDepth: cfg.MaxSubgraphDepth,
	})
	if err != nil {
		procs.Close()
		_ = st.Close()
		bus.Close()
		return nil, err
	}

	mgr, err := session.NewManager(session.Config{
		Store:   st,
		Runner:  eng,
		Control: eng,
		Bus:     bus,
		Loader:  loader,
	})
	if err != nil {
		procs.Close()
		_ = st.Close()
		bus.Close()
		return nil, err
	}
	eng.SetActions(mgr)

	coord := coordinator.New(coordinator.Config{
		Planner:  mgr,
		Bus:      bus,
		Debounce: cfg.DebounceDur(),
		Cooldown: cfg.CooldownDur(),
	})

	server, err := ipc.NewServer(ipc.ServerConfig{Bus: bus, Dir: st.CacheDir()})
	if err != nil {
		mgr.Close()
		procs.Close()
		_ = st.Close()
		bus.Close()
		return nil, loomerr.Wrap(loomerr.CodeStoreIO, err, "opening IPC listener")
	}

	d := &Daemon{
		cfg:     cfg,
		bus:     bus,
		tracer:  tracer,
		store:   st,
		pool:    agentPool,
		procs:   procs,
		loader:  loader,
		engine:  eng,
		manager: mgr,
		coord:   coord,
		server:  server,
	}
	d.registerMethods()
	return d, nil
}

// Run starts every long-lived task and blocks until the context is
// cancelled, then shuts the daemon down in dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	// Sweep orphans left by prior daemon lifetimes before spawning anything.
	if pids, err := d.procs.KillOrphans(); err != nil {
		log.ErrorErr(log.CatProc, "Orphan sweep failed", err)
	} else if len(pids) > 0 {
		log.Warn(log.CatProc, "Killed orphan processes", "count", len(pids))
	}

	if err := d.store.WritePortFile(d.server.Endpoint()); err != nil {
		return err
	}
	if err := d.store.WatchExternal(); err != nil {
		log.ErrorErr(log.CatStore, "External watcher unavailable", err)
	}

	// Persist the pool on change and on the flush cadence.
	d.bus.SubscribeAsync("daemon", "pool.changed", func(pubsub.BusEvent) {
		if err := d.store.SavePool(d.pool.Snapshot()); err != nil {
			log.ErrorErr(log.CatStore, "Failed to persist pool", err)
		}
	})
	go d.flushLoop(runCtx)

	d.server.Start()
	d.coord.Start()
	d.manager.RecoverAll()

	if err := d.store.SavePool(d.pool.Snapshot()); err != nil {
		log.ErrorErr(log.CatStore, "Failed to persist pool", err)
	}

	log.Info(log.CatConfig, "Daemon running", "workspace", d.cfg.Workspace, "endpoint", d.server.Endpoint())
	<-runCtx.Done()

	d.shutdown()
	return nil
}

func (d *Daemon) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StateUpdateDur())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.SavePool(d.pool.Snapshot()); err != nil {
				log.ErrorErr(log.CatStore, "Failed to persist pool", err)
			}
		}
	}
}

// Stop requests shutdown.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) shutdown() {
	log.Info(log.CatConfig, "Daemon shutting down")
	d.coord.Stop()
	d.server.Close()
	d.manager.Close()
	d.procs.Close()
	d.pool.Close()
	if err := d.store.SavePool(d.pool.Snapshot()); err != nil && !errors.Is(err, context.Canceled) {
		log.ErrorErr(log.CatStore, "Final pool flush failed", err)
	}
	_ = d.store.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = d.tracer.Shutdown(shutdownCtx)
	cancel()
	d.bus.Close()
}
