// Command hubd is the multi-agent coordination daemon (spec.md §1).
// main wires every component in the dependency order of spec.md §2:
// J (storage) → E (events) → D,H,I (store, trust, launcher) → C,F,G
// (task engine, sla, gate) → B (router) → A (wire listener); K
// (config, signal handling) wraps A.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/hubd/internal/config"
	"github.com/ocx/hubd/internal/events"
	"github.com/ocx/hubd/internal/gate"
	"github.com/ocx/hubd/internal/httpdebug"
	"github.com/ocx/hubd/internal/launcher"
	m "github.com/ocx/hubd/internal/model"
	"github.com/ocx/hubd/internal/router"
	"github.com/ocx/hubd/internal/sla"
	"github.com/ocx/hubd/internal/storage"
	"github.com/ocx/hubd/internal/store"
	"github.com/ocx/hubd/internal/task"
	"github.com/ocx/hubd/internal/trust"
	"github.com/ocx/hubd/internal/wire"
)

var startTime = time.Now().UTC()

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("hubd: fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	if err := godotenv.Load(); err != nil {
		logger.Debug("hubd: no .env file found, using process environment")
	}

	base := config.BaseDir()
	if err := os.MkdirAll(base, 0o700); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}

	configPath := filepath.Join(base, "config.json")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnvOverrides()
	logger.Info("hubd: config loaded", "path", configPath, "accounts", len(cfg.Accounts))

	// J: persistence primitives.
	db, err := storage.Open(filepath.Join(base, "hub.db"), logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	// E: event bus.
	bus := events.New(256, 512, logger)

	// D, H, I: store, trust, launcher.
	st, err := store.New(db, filepath.Join(base, "handoffs"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	trustStore := trust.New(db)
	autoLauncher := launcher.New(launcher.Policy{
		MaxSpawnsPerMinute:  cfg.Launcher.MaxSpawnsPerMinute,
		DeduplicationWindow: time.Duration(cfg.Launcher.DeduplicationWindowMs) * time.Millisecond,
		FailureThreshold:    cfg.Launcher.FailureThreshold,
		Cooldown:            time.Duration(cfg.Launcher.CooldownMs) * time.Millisecond,
		SelfHandoffBlocked:  cfg.Launcher.SelfHandoffBlocked,
	})
	logger.Info("hubd: store and launcher ready")

	// G: verification receipt signer.
	secret, err := config.DaemonSecret("verification-receipts")
	if err != nil {
		return fmt.Errorf("derive daemon secret: %w", err)
	}
	signer := gate.NewSigner(secret)

	slaThresholds := sla.Thresholds{
		CriticalPing:     time.Duration(cfg.SLA.CriticalPingMinutes) * time.Minute,
		CriticalReassign: time.Duration(cfg.SLA.CriticalReassignMinutes) * time.Minute,
		CriticalEscalate: time.Duration(cfg.SLA.CriticalEscalateMinutes) * time.Minute,
		HighPing:         time.Duration(cfg.SLA.HighPingMinutes) * time.Minute,
		HighReassign:     time.Duration(cfg.SLA.HighReassignMinutes) * time.Minute,
		HighEscalate:     time.Duration(cfg.SLA.HighEscalateMinutes) * time.Minute,
		MediumPing:       time.Duration(cfg.SLA.MediumPingMinutes) * time.Minute,
		MediumReassign:   time.Duration(cfg.SLA.MediumReassignMinutes) * time.Minute,
		LowPing:          time.Duration(cfg.SLA.LowPingMinutes) * time.Minute,
	}
	if slaThresholds == (sla.Thresholds{}) {
		slaThresholds = sla.DefaultThresholds()
	}

	// B, A: the wire listener is the router's Presence dependency and
	// the router is the listener's Dispatcher, a genuine construction
	// cycle. Broken by building the Listener first with a nil
	// Dispatcher and wiring the Router in afterward via SetDispatcher.
	socketPath := config.SocketPath()
	listener := wire.NewListener(socketPath, verifyToken, nil, bus, logger, false)
	engine := task.New(st, bus, listener, signer, cfg.Features.MaxDepth)
	r := router.New(st, engine, trustStore, autoLauncher, slaThresholds, listener, cfg, configPath, logger)
	listener.SetDispatcher(r)
	logger.Info("hubd: router and listener wired", "socket", socketPath)

	// Reputation update on TASK_COMPLETED only (spec.md §4.H), subscribed
	// off the bus rather than called directly by the engine, keeping
	// internal/task free of an internal/trust dependency. TASK_VERIFIED
	// always follows the same terminal transition (internal/task/engine.go
	// issueReceipt), so subscribing to both would double-count every task.
	completions := bus.Subscribe(string(m.EventTaskCompleted))
	go recordCompletions(context.Background(), st, trustStore, completions, logger)

	if err := config.WritePIDFile(config.PIDPath(), os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer config.RemovePIDFile(config.PIDPath())

	if err := listener.Start(); err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}

	slaScheduler := sla.NewScheduler(r, slaThresholds, time.Minute, logger, func(recs []sla.Recommendation) {
		r.RecordEscalations(context.Background(), recs)
		httpdebug.ObserveSLARecommendations(recs)
	})

	debugServer := httpdebug.New(cfg.Features.HTTPDebugAddr, func() httpdebug.Stats {
		inFlight, _ := st.ListInFlight(context.Background())
		return httpdebug.Stats{
			Uptime:            time.Since(startTime),
			ConnectedAccounts: listener.ConnectedAccounts(),
			InFlightTaskCount: len(inFlight),
		}
	})
	if err := debugServer.Start(); err != nil {
		logger.Warn("hubd: debug http surface failed to start", "error", err)
	} else if cfg.Features.HTTPDebugAddr != "" {
		logger.Info("hubd: debug http surface listening", "addr", cfg.Features.HTTPDebugAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slaScheduler.Start(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- listener.Serve(ctx) }()

	logger.Info("hubd: ready")

	select {
	case <-ctx.Done():
		logger.Info("hubd: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("hubd: listener serve error", "error", err)
		}
	}

	slaScheduler.Stop()
	listener.Stop()
	_ = debugServer.Stop(context.Background())
	bus.Unsubscribe(completions)
	logger.Info("hubd: shutdown complete")
	return nil
}

// verifyToken compares a presented token against the contents of the
// account's token file, refusing tokens whose file has broadened
// permissions (spec.md §5).
func verifyToken(account, token string) (bool, error) {
	path := config.TokenPath(account)
	if err := config.VerifyTokenFilePermissions(path); err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, nil
	}
	return wire.ConstantTimeEqual(string(data), token), nil
}

// recordCompletions updates an assignee's rolling reputation whenever a
// task reaches TASK_COMPLETED, without the task engine or store needing
// a direct dependency on internal/trust.
func recordCompletions(ctx context.Context, st *store.Store, trustStore *trust.Store, ch <-chan *m.DelegationEvent, logger *slog.Logger) {
	for evt := range ch {
		t, err := st.GetTask(ctx, evt.TaskID)
		if err != nil {
			logger.Warn("hubd: could not load task for reputation update", "taskId", evt.TaskID, "error", err)
			continue
		}
		outcome := trust.CompletionOutcome{
			Account:          t.Assignee,
			Accepted:         t.Status == m.StatusAccepted,
			EscalatedDuring:  t.Escalated,
			CompletionTimeMs: time.Since(t.CreatedAt).Milliseconds(),
		}
		if err := trustStore.RecordCompletion(ctx, outcome); err != nil {
			logger.Warn("hubd: reputation update failed", "taskId", evt.TaskID, "error", err)
		}
	}
}
