package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clusterforge/hatest/internal/analytics"
	"github.com/clusterforge/hatest/internal/api"
	"github.com/clusterforge/hatest/internal/circuitbreaker"
	"github.com/clusterforge/hatest/internal/config"
	"github.com/clusterforge/hatest/internal/cron"
	"github.com/clusterforge/hatest/internal/executor"
	"github.com/clusterforge/hatest/internal/leaderelection"
	"github.com/clusterforge/hatest/internal/metrics"
	"github.com/clusterforge/hatest/internal/notify"
	"github.com/clusterforge/hatest/internal/reconciler"
	"github.com/clusterforge/hatest/internal/scheduler"
	"github.com/clusterforge/hatest/internal/store"
	"github.com/clusterforge/hatest/internal/store/memory"
	"github.com/clusterforge/hatest/internal/store/postgres"
	"github.com/clusterforge/hatest/internal/worker"
	"github.com/clusterforge/hatest/internal/workspace"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`hatest - HA cluster test scheduler and runner

Usage:
  hatest <command>

Commands:
  serve      Start the scheduler, worker and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  STORE_DRIVER              "memory" or "postgres" (default: "memory")
  DATABASE_URL              PostgreSQL connection string (required for postgres)
  STATE_SNAPSHOT_PATH       JSON snapshot file for the memory store (optional)
  WORKSPACE_CONFIG_DIR      Directory of <workspace>.json files (required)
  PLAYBOOK_DIR              Directory of <test_group>.yml playbooks (required)
  ANSIBLE_BINARY            Playbook executable (default: "ansible-playbook")
  HTTP_ADDR                 HTTP server address (default: ":8080")
  REDIS_ADDR                Redis address for run analytics (optional)

  CHECK_INTERVAL            Schedule poll interval (default: "30s")
  STEP_TIMEOUT              Per-test-step timeout (default: "1h")

  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  WORKER_DRAIN_TIMEOUT      Running job drain timeout on shutdown (default: "30s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  NOTIFY_WEBHOOK_URL        Endpoint for job completion notifications (optional)
  NOTIFY_WEBHOOK_SECRET     HMAC secret for notifications

  RECONCILE_ENABLED         Enable stale job recovery (default: "true")
  RECONCILE_INTERVAL        How often to sweep for stale jobs (default: "5m")
  RECONCILE_GRACE_PERIOD    Age before an untracked job is stale (default: "1m")

  EVENT_BUFFER_SIZE         Per-job event queue capacity (default: "100")
  CIRCUIT_BREAKER_THRESHOLD Transport failures before a workspace opens (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN  Open-state cooldown per workspace (default: "2m")

  LEADER_LOCK_KEY           Advisory lock key shared by all instances (postgres only)
  LEADER_RETRY_INTERVAL     Standby lock retry interval (default: "15s")
  LEADER_HEARTBEAT_INTERVAL Lock connection ping interval (default: "10s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	// Select the store driver.
	var (
		jobStore      store.JobStore
		scheduleStore store.ScheduleStore
		db            *sql.DB
	)
	switch cfg.StoreDriver {
	case "postgres":
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			return exitRuntimeError
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

		if err := db.Ping(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
			return exitRuntimeError
		}
		if err := postgres.EnsureSchema(context.Background(), db); err != nil {
			fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
			return exitRuntimeError
		}
		pg := postgres.New(db)
		jobStore, scheduleStore = pg, pg
		log.Printf("hatest: postgres store ready (max_open=%d, max_idle=%d)", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)

	default:
		if cfg.StateSnapshotPath != "" {
			mem, err := memory.NewWithSnapshot(cfg.StateSnapshotPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load state snapshot: %v\n", err)
				return exitRuntimeError
			}
			jobStore, scheduleStore = mem, mem
			log.Printf("hatest: memory store with snapshot at %s", cfg.StateSnapshotPath)
		} else {
			mem := memory.New()
			jobStore, scheduleStore = mem, mem
			log.Println("hatest: memory store (no snapshot, state is lost on restart)")
		}
	}

	// Metrics sink (optional).
	var metricsSink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("hatest: metrics enabled at %s", cfg.MetricsPath)
	} else {
		log.Println("hatest: METRICS_ENABLED not set; metrics disabled")
	}

	// Executor with optional per-workspace circuit breaker.
	ansible := executor.NewAnsibleExecutor(cfg.PlaybookDir, cfg.StepTimeout)
	ansible.Binary = cfg.AnsibleBinary

	var testExec executor.TestExecutor = ansible
	if cfg.CircuitBreakerThreshold > 0 {
		breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		testExec = executor.NewGuarded(ansible, breaker)
		log.Printf("hatest: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	workspaces := workspace.NewDirLoader(cfg.WorkspaceConfigDir)

	jobWorker := worker.New(jobStore, testExec, workspaces).
		WithEventBuffer(cfg.EventBufferSize).
		WithMetrics(metricsSink)

	if cfg.NotifyWebhookURL != "" {
		notifier := notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret).
			WithMetrics(metricsSink)
		jobWorker = jobWorker.WithNotifier(notifier)
		log.Printf("hatest: completion notifications to %s", cfg.NotifyWebhookURL)
	}

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		jobWorker = jobWorker.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("hatest: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("hatest: REDIS_ADDR not set; analytics disabled")
	}

	parser := cron.NewParser()
	sched := scheduler.New(scheduler.Config{CheckInterval: cfg.CheckInterval}, scheduleStore, jobWorker, parser).
		WithMetrics(metricsSink)

	recon := reconciler.New(
		reconciler.Config{Interval: cfg.ReconcileInterval, GracePeriod: cfg.ReconcileGracePeriod},
		jobStore,
		jobWorker,
	).WithMetrics(metricsSink)

	// Jobs left non-terminal by a previous process are failed before
	// anything new is accepted, releasing their workspaces.
	if cfg.ReconcileEnabled {
		if n := recon.Sweep(context.Background()); n > 0 {
			log.Printf("hatest: recovered %d stale jobs from previous run", n)
		}
	}

	// HTTP surface.
	apiHandler := api.NewHandler(jobStore, scheduleStore, jobWorker, sched, parser)
	if db != nil {
		apiHandler = apiHandler.WithHealthChecker(db)
	}

	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("hatest: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("hatest: http server error: %v", err)
		}
	}()

	// Scheduling duties: gated behind the advisory lock with postgres so
	// two instances sharing a database never double-fire; run directly
	// with the memory store, which is single-instance by nature.
	var (
		reconcilerWg     sync.WaitGroup
		cancelBackground context.CancelFunc
	)

	startDuties := func(ctx context.Context) {
		sched.Start()
		if cfg.ReconcileEnabled {
			reconcilerWg.Add(1)
			go func() {
				defer reconcilerWg.Done()
				recon.Run(ctx)
			}()
		}
	}
	stopDuties := func() {
		sched.Stop()
		reconcilerWg.Wait()
	}

	backgroundCtx, cancel := context.WithCancel(context.Background())
	cancelBackground = cancel

	var guardWg sync.WaitGroup
	if db != nil {
		guard := leaderelection.New(db, leaderelection.Config{
			LockKey:           cfg.LeaderLockKey,
			RetryInterval:     cfg.LeaderRetryInterval,
			HeartbeatInterval: cfg.LeaderHeartbeatInterval,
		}, startDuties, stopDuties)
		guardWg.Add(1)
		go func() {
			defer guardWg.Done()
			guard.Run(backgroundCtx)
		}()
	} else {
		startDuties(backgroundCtx)
	}

	log.Printf("hatest: started (check=%s, http=%s, store=%s)", cfg.CheckInterval, cfg.HTTPAddr, cfg.StoreDriver)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("hatest: received signal %v, shutting down", received)

	// Phase 1: stop scheduling duties so no new jobs are submitted.
	log.Println("hatest: stopping scheduler...")
	cancelBackground()
	guardWg.Wait()
	if db == nil {
		stopDuties()
	}
	log.Println("hatest: scheduler stopped")

	// Phase 2: drain running jobs, bounded.
	log.Println("hatest: draining worker...")
	jobWorker.Shutdown(cfg.WorkerDrainTimeout)
	log.Println("hatest: worker drained")

	// Phase 3: stop the HTTP server.
	log.Println("hatest: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("hatest: http server shutdown error: %v", err)
	}
	log.Println("hatest: http server stopped")

	log.Println("hatest: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("hatest version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
