package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/fnmesh/internal/bus"
	"github.com/oriys/fnmesh/internal/config"
	"github.com/oriys/fnmesh/internal/ledger"
	"github.com/oriys/fnmesh/internal/localqueue"
	"github.com/oriys/fnmesh/internal/logging"
	"github.com/oriys/fnmesh/internal/metrics"
	"github.com/oriys/fnmesh/internal/scheduler"
	"github.com/oriys/fnmesh/internal/state"
	"github.com/oriys/fnmesh/internal/store"
	"github.com/oriys/fnmesh/internal/workerpool"
)

func daemonCmd() *cobra.Command {
	var (
		redisAddr   string
		metricsAddr string
		logLevel    string
		host        string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the fnmesh host daemon",
		Long:  "Join the fleet's worker pool and serve invocations routed to this host until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Daemon.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("host") {
				cfg.Daemon.Host = host
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			metrics.Init("fnmesh")

			st, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer st.Close()

			var led *ledger.Ledger
			if cfg.Ledger.Enabled {
				led, err = ledger.New(context.Background(), cfg.Ledger.DSN)
				if err != nil {
					return fmt.Errorf("connect ledger: %w", err)
				}
				defer led.Close()
			}

			b := bus.New(st)
			queues := localqueue.New(256)

			stateCfg := state.Config{
				RemoteLockTTL:        cfg.State.RemoteLockTimeout,
				RemoteLockWaitTime:   cfg.State.RemoteLockWaitTime,
				RemoteLockMaxRetries: cfg.State.RemoteLockMaxRetries,
				StaleThreshold:       cfg.State.StateStaleThreshold,
				IdleThreshold:        cfg.State.StateClearThreshold,
			}
			registry := state.NewRegistry(st, stateCfg, cfg.State.PushInterval)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			registry.Start(ctx)
			defer registry.Stop()

			schedCfg := scheduler.Config{
				LocalQueueThreshold:    cfg.Scheduler.LocalQueueThreshold,
				BoundPoolCapacity:      cfg.Scheduler.BoundPoolCapacity,
				ScheduleRecursionLimit: cfg.Scheduler.ScheduleRecursionLimit,
				ScheduleWaitMillis:     cfg.Scheduler.ScheduleWaitMillis,
			}
			sched := scheduler.New(st, b, queues, cfg.Daemon.Host, schedCfg)
			if err := sched.AddCurrentHostToWorkerPool(ctx); err != nil {
				return fmt.Errorf("join worker pool: %w", err)
			}

			poolCfg := workerpool.Config{
				ThreadsPerWorker:     cfg.Pool.ThreadsPerWorker,
				BoundTimeout:         cfg.Pool.BoundTimeout,
				UnboundTimeout:       cfg.Pool.UnboundTimeout,
				GlobalMessageTimeout: cfg.Pool.GlobalMessageTimeout,
				ChainedCallTimeout:   cfg.Pool.ChainedCallTimeout,
				PrewarmTarget:        cfg.Pool.PrewarmTarget,
				ModuleThreads:        cfg.Daemon.ModuleThreads,
				ThreadStackSize:      cfg.Pool.ThreadStackSize,
				MaxActiveLevels:      cfg.Pool.MaxActiveLevels,
			}
			// invoker is left nil: the bytecode interpreter that actually
			// executes a bound function's body is a separate component
			// that plugs into workerpool.Invoker; this daemon exercises
			// routing, lifecycle, and state without it.
			pool := workerpool.New(poolCfg, cfg.Daemon.Host, st, b, queues, sched, nil)
			if led != nil {
				pool.SetLedger(led)
			}

			for i := int32(0); i < cfg.Pool.PrewarmTarget; i++ {
				if err := pool.SpawnWorker(ctx); err != nil {
					logging.Op().Error("failed to spawn prewarm worker", "error", err)
					break
				}
			}

			go incomingQueueLoop(ctx, b, queues, cfg.Daemon.Host)

			var metricsServer *http.Server
			if cfg.Daemon.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				metricsServer = &http.Server{Addr: cfg.Daemon.MetricsAddr, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server exited", "error", err)
					}
				}()
				logging.Op().Info("metrics server started", "addr", cfg.Daemon.MetricsAddr)
			}

			logging.Op().Info("fnmesh daemon started", "host", cfg.Daemon.Host, "redis", cfg.Redis.Addr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					cancel()
					if metricsServer != nil {
						shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
						metricsServer.Shutdown(shutdownCtx)
						shutdownCancel()
					}
					if err := sched.Clear(context.Background()); err != nil {
						logging.Op().Warn("failed to leave worker pool", "error", err)
					}
					if err := registry.PushAll(context.Background()); err != nil {
						logging.Op().Warn("failed to flush state on shutdown", "error", err)
					}
					pool.Wait()
					return nil
				case <-ticker.C:
					logging.Op().Debug("daemon status", "host", cfg.Daemon.Host)
				}
			}
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis", "", "remote store address (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "metrics listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	cmd.Flags().StringVar(&host, "host", "", "this host's identity (overrides config)")

	return cmd
}

// incomingQueueLoop forwards messages the scheduler routed to this host
// from its remote incoming queue into the local queue map, so a worker
// picks them up exactly as it would a locally dispatched call.
func incomingQueueLoop(ctx context.Context, b *bus.Bus, queues *localqueue.Map, host string) {
	queueKey := "incoming:" + host
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := b.NextMessage(ctx, queueKey, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err != bus.ErrTimeout {
				logging.Op().Warn("incoming queue poll failed", "error", err)
			}
			continue
		}
		if err := queues.Enqueue(ctx, msg); err != nil {
			logging.Op().Warn("failed to enqueue incoming message locally", "error", err)
		}
	}
}
