// Package app is the composition root of the ingestion service. New
// constructs every component in dependency order and hands interfaces
// down explicitly; nothing in the repository reaches for a package-level
// singleton besides the shared logger.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	rtdebug "runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/api"
	"github.com/qsrgraph/qsrgraph/audit"
	"github.com/qsrgraph/qsrgraph/bridge"
	"github.com/qsrgraph/qsrgraph/citations"
	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/config"
	"github.com/qsrgraph/qsrgraph/dedup"
	"github.com/qsrgraph/qsrgraph/degradation"
	"github.com/qsrgraph/qsrgraph/extract"
	"github.com/qsrgraph/qsrgraph/graph"
	"github.com/qsrgraph/qsrgraph/health"
	"github.com/qsrgraph/qsrgraph/integrity"
	"github.com/qsrgraph/qsrgraph/optimization"
	"github.com/qsrgraph/qsrgraph/pipeline"
	"github.com/qsrgraph/qsrgraph/progress"
	"github.com/qsrgraph/qsrgraph/recovery"
	"github.com/qsrgraph/qsrgraph/reliability"
)

const (
	graphBreakerThreshold = 5
	graphBreakerCoolDown  = 60 * time.Second
	dlqCapacity           = 1000
	orphanRatioLimit      = 0.95

	watchdogInterval    = 30 * time.Second
	degradationInterval = 15 * time.Second
	dlqRetryInterval    = 30 * time.Second
	optimizationCadence = 15 * time.Minute
	sweepInterval       = time.Hour
	sweepMaxAge         = 24 * time.Hour
)

// App owns every long-lived component of the service.
type App struct {
	cfg        *config.Manager
	dlq        *reliability.DLQ
	txns       *reliability.TxnManager
	breaker    *reliability.Breaker
	client     *graph.Client
	localQueue *degradation.LocalQueue
	degr       *degradation.Controller
	reg        *pipeline.Registry
	bus        *progress.Bus
	pipe       *pipeline.Pipeline
	monitor    *health.Monitor
	rec        *recovery.Controller
	engine     *optimization.Engine
	auditStore *audit.Store
	server     *api.Server

	log *logrus.Entry
}

// New builds the full component graph for the detected environment. The
// pipeline and the degradation controller reference each other, so the
// controller is constructed first and receives its timeout scaler once
// the pipeline exists.
func New() (*App, error) {
	env := config.DetectEnvironment()
	cfg, err := config.Load(env, "data")
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	snap := cfg.Snapshot()
	common.ConfigureLogger(snap.Logging.Level, snap.Logging.Format)
	log := common.Logger.WithField("component", "app")
	log.WithFields(logrus.Fields{"environment": env, "port": snap.Server.Port}).
		Info("qsrgraph starting")

	dataDir := snap.Storage.DataDir
	if dataDir == "" {
		dataDir = "data"
	}

	// Reliability substrate: DLQ, saga transactions, graph breaker.
	dlq, err := reliability.OpenDLQ(filepath.Join(dataDir, "dlq"), dlqCapacity)
	if err != nil {
		return nil, fmt.Errorf("opening dead-letter queue: %w", err)
	}
	txns := reliability.NewTxnManager(dlq)
	breaker := reliability.NewBreaker("graph", graphBreakerThreshold, graphBreakerCoolDown)

	// Graph facade.
	runner, err := graph.NewRunner(snap.Database.URI, snap.Database.Username,
		snap.Database.Password, snap.Database.ConnectionPoolSize)
	if err != nil {
		return nil, fmt.Errorf("connecting to graph database: %w", err)
	}
	client := graph.NewClient(runner, breaker, dlq, txns,
		snap.Processing.BatchSize, snap.Database.QueryTimeout, snap.Processing.RetryAttempts)
	client.RegisterReplayHandlers()
	cfg.Watch("processing.batch_size", func(_ string, _, newVal interface{}) {
		if n := toInt(newVal); n > 0 {
			client.SetBatchSize(n)
		}
	})

	// Value-producing stages.
	citStore, err := citations.NewStore(filepath.Join(dataDir, snap.Storage.ContentDir))
	if err != nil {
		return nil, fmt.Errorf("opening citation store: %w", err)
	}
	citSvc := citations.NewService(citStore, client)
	verifier := integrity.NewVerifier(client, txns, orphanRatioLimit)

	// Degradation: local write queue plus the mode controller. The
	// controller is also the pipeline's admission gate and the bridge's
	// diverter.
	localQueue, err := degradation.OpenLocalQueue(
		filepath.Join(dataDir, "degradation"), snap.Degradation.LocalQueueCap)
	if err != nil {
		return nil, fmt.Errorf("opening local write queue: %w", err)
	}

	reg := pipeline.NewRegistry()
	stats := &registryStats{reg: reg}
	degr := degradation.NewController(cfg, localQueue, client, nil, degradation.Signals{
		BreakerOpenFor:   breaker.OpenFor,
		MemoryPercent:    heapPercent,
		ErrorRatePercent: stats.errorRatePercent,
		QueueDepth:       dlq.Depth,
		RecentTimeouts:   stats.recentTimeouts,
	})

	svc := bridge.NewService(&extract.HeuristicEntityExtractor{},
		dedup.NewEngine(snap.Processing.CrossDocumentDedup), citSvc, client, verifier, txns, degr)

	bus := progress.NewBus()
	pipe := pipeline.New(cfg, reg, bus, svc,
		&extract.HeuristicTextExtractor{}, &extract.FallbackVisualExtractor{}, degr)
	degr.SetTimeoutScaler(pipe)

	// Health monitoring.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	monitor := health.NewMonitor(promReg, pipe, dataDir)
	registerHealthMetrics(monitor, snap, stats, dlq, localQueue, reg, client, breaker)

	// Recovery.
	actions := &recoveryActions{pipe: pipe, client: client, txns: txns}
	rec := recovery.NewController(actions, dlq, dataDir)

	// Self-optimization.
	engine := optimization.NewEngine(monitor, dataDir)
	registerTunables(engine, cfg, client, breaker)

	// Audit trail.
	var auditStore *audit.Store
	if snap.Security.AuditLogging {
		auditStore, err = audit.Open(filepath.Join(dataDir, "audit"), snap.Security.DataSanitization)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
	}

	server := api.New(api.Deps{
		Config:      cfg,
		Pipeline:    pipe,
		Bus:         bus,
		Monitor:     monitor,
		DLQ:         dlq,
		Recovery:    rec,
		Degradation: degr,
		Audit:       auditStore,
		Metrics:     promReg,
	})

	return &App{
		cfg:        cfg,
		dlq:        dlq,
		txns:       txns,
		breaker:    breaker,
		client:     client,
		localQueue: localQueue,
		degr:       degr,
		reg:        reg,
		bus:        bus,
		pipe:       pipe,
		monitor:    monitor,
		rec:        rec,
		engine:     engine,
		auditStore: auditStore,
		server:     server,
		log:        log,
	}, nil
}

// Run starts the background loops and serves HTTP until ctx is cancelled
// or the listener fails, then shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	a.cfg.WatchFile()
	a.dlq.Start(ctx, dlqRetryInterval)
	a.degr.Start(ctx, degradationInterval)
	a.monitor.Start(ctx)
	go a.engine.Run(ctx.Done(), optimizationCadence)
	go a.watchdog(ctx)
	go a.sweeper(ctx)

	if restored := a.pipe.Restore(); restored > 0 {
		a.log.WithField("restored", restored).Info("resumed interrupted uploads")
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	a.log.Info("shutting down")

	drain := time.Duration(a.cfg.Snapshot().Server.ShutdownSeconds) * time.Second
	if drain <= 0 {
		drain = 30 * time.Second
	}
	sdCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	if err := a.server.Shutdown(sdCtx); err != nil {
		a.log.WithError(err).Warn("http shutdown incomplete")
	}
	a.pipe.Shutdown(drain)
	a.degr.Stop()
	a.monitor.Stop()
	a.dlq.Stop()
	if a.auditStore != nil {
		if err := a.auditStore.Close(); err != nil {
			a.log.WithError(err).Warn("audit store close failed")
		}
	}
	if err := a.localQueue.Close(); err != nil {
		a.log.WithError(err).Warn("local queue close failed")
	}
	if err := a.client.Close(sdCtx); err != nil {
		a.log.WithError(err).Warn("graph driver close failed")
	}
	a.log.Info("shutdown complete")
	return nil
}

// watchdog feeds the recovery controller from the pipeline, the graph
// breaker, and the transaction manager. Handle refuses duplicates and
// rate-limits itself, so re-reporting a still-stuck target each tick is
// harmless.
func (a *App) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, stuck := range a.pipe.StuckFiles() {
			failure := recovery.FailureProcessingTimeout
			switch stuck.Stage {
			case pipeline.StageTextExtraction:
				failure = recovery.FailureStuckTextExtraction
			case pipeline.StageEntityExtraction:
				failure = recovery.FailureStuckEntityExtraction
			case pipeline.StageGraphWrite:
				failure = recovery.FailureStuckGraphWrite
			}
			_, _ = a.rec.Handle(ctx, failure, stuck.ProcessID)
		}

		// An open breaker past twice its cool-down means the cool-down
		// probes themselves keep failing.
		if a.breaker.OpenFor() > 2*graphBreakerCoolDown {
			_, _ = a.rec.Handle(ctx, recovery.FailureCircuitOpenTooLong, "graph")
		}

		for _, txn := range a.txns.Stuck() {
			_, _ = a.rec.Handle(ctx, recovery.FailureStuckTransaction, txn.ID)
		}
	}
}

// sweeper drops long-terminal processes so the registry and progress
// history stay bounded.
func (a *App) sweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pipe.Sweep(sweepMaxAge)
		}
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// heapPercent reports heap occupancy against the memory the runtime holds
// from the OS.
func heapPercent() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.Sys) * 100
}

// recoveryActions adapts the pipeline, graph client, and transaction
// manager to the recovery strategy hooks.
type recoveryActions struct {
	pipe   *pipeline.Pipeline
	client *graph.Client
	txns   *reliability.TxnManager
}

func (a *recoveryActions) RetryStage(processID string) error {
	return a.pipe.RetryStage(processID)
}

func (a *recoveryActions) RestartProcess(processID string) error {
	_, err := a.pipe.Restart(processID)
	return err
}

func (a *recoveryActions) ForceComplete(processID string) error {
	return a.pipe.ForceComplete(processID)
}

func (a *recoveryActions) Terminate(processID string) error {
	return a.pipe.Cancel(processID)
}

func (a *recoveryActions) ClearMemory() error {
	runtime.GC()
	rtdebug.FreeOSMemory()
	return nil
}

func (a *recoveryActions) ResetCircuit() error {
	a.client.Breaker().Reset()
	return nil
}

// ResetConnection resets the breaker and verifies the database answers; a
// failed probe reports the strategy as unsuccessful so the chain moves on.
func (a *recoveryActions) ResetConnection() error {
	a.client.Breaker().Reset()
	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.client.HealthProbe(probeCtx)
	return err
}

func (a *recoveryActions) RollbackTxn(ctx context.Context, txnID string) error {
	return a.txns.Rollback(ctx, txnID, "stuck transaction recovery")
}
