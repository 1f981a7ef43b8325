// Command server starts the TrafficControl dispatch loop and its operator
// facing HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/circuitbreaker"
	"github.com/trafficcontrol/trafficcontrol/internal/cliadapter"
	"github.com/trafficcontrol/trafficcontrol/internal/config"
	"github.com/trafficcontrol/trafficcontrol/internal/connguard"
	"github.com/trafficcontrol/trafficcontrol/internal/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/internal/dispatch"
	"github.com/trafficcontrol/trafficcontrol/internal/domain"
	"github.com/trafficcontrol/trafficcontrol/internal/eventbus"
	"github.com/trafficcontrol/trafficcontrol/internal/observability"
	"github.com/trafficcontrol/trafficcontrol/internal/opsserver"
	"github.com/trafficcontrol/trafficcontrol/internal/persistence"
	"github.com/trafficcontrol/trafficcontrol/internal/pricing"
	"github.com/trafficcontrol/trafficcontrol/internal/priority"
	"github.com/trafficcontrol/trafficcontrol/internal/productivity"
	"github.com/trafficcontrol/trafficcontrol/internal/sessionmanager"
	"github.com/trafficcontrol/trafficcontrol/internal/spend"
	"github.com/trafficcontrol/trafficcontrol/internal/subagent"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := persistence.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	dbGuard := connguard.NewObservableClient(
		connguard.ConnectionTypeDatabase, connguard.OperationTypeQuery, "tasks-projects",
		2*time.Second, 500*time.Millisecond, 10*time.Second,
	)
	store := persistence.NewStore(pool).WithGuard(dbGuard)

	priceTable := pricing.DefaultTable()

	capacityTracker := buildCapacityTracker(cfg)

	breakerCfg := circuitbreaker.Config{}
	breakerCfg.FailureThreshold, breakerCfg.FailureWindow, breakerCfg.OpenDuration, breakerCfg.SuccessToClose = cfg.GetCircuitBreakerConfig()
	breakers := circuitbreaker.NewManager(breakerCfg, func(model domain.Model, previous, next circuitbreaker.State, reason string) {
		observability.RecordCircuitBreakerState(string(model), int(next))
		if previous == circuitbreaker.Closed && next == circuitbreaker.Open {
			observability.RecordCircuitBreakerTrip(string(model))
		}
		slog.Info("circuit breaker transition",
			slog.String("model", string(model)),
			slog.String("from", previous.String()),
			slog.String("to", next.String()),
			slog.String("reason", reason))
	})

	spendMonitor := spend.NewMonitor(spend.Config{
		Window:        cfg.SpendWindow,
		SoftLimitUSD:  cfg.SpendSoftLimitUSD,
		HardLimitUSD:  cfg.SpendHardLimitUSD,
		AlertCooldown: cfg.SpendAlertCooldown,
	}, func(a spend.Alert) {
		kind := "soft"
		if a.IsHardLimit {
			kind = "hard"
		}
		observability.RecordSpendAlert(kind)
		slog.Warn("spend alert", slog.String("kind", kind), slog.Float64("amount_usd", a.AmountUSD), slog.Float64("threshold_usd", a.ThresholdUSD))
	})

	productivityMonitor := productivity.NewMonitor(productivity.Config{
		Window:                  cfg.ProductivityWindow,
		FailureStreakThreshold:  cfg.ProductivityFailureStreak,
		LowSuccessRateThreshold: cfg.ProductivityLowSuccessRate,
		MinimumCompletions:      cfg.ProductivityMinSampleSize,
		SlowDurationThreshold:   cfg.AgentRunTimeout,
	}, func(a productivity.Alert) {
		observability.RecordProductivityAlert(string(a.Kind))
		slog.Warn("productivity alert", slog.String("kind", string(a.Kind)))
	})

	dbHealthMonitor := dbhealth.NewMonitor(dbhealth.Config{
		MaxConsecutiveFailures: cfg.DBHealthFailureThreshold,
	}, func(lastErr error, consecutiveFailures int) {
		observability.SetDBHealthDegraded(true)
		slog.Error("database degraded", slog.Any("error", lastErr), slog.Int("consecutive_failures", consecutiveFailures))
	}, func(ev dbhealth.RecoveryEvent) {
		observability.SetDBHealthDegraded(false)
		slog.Info("database recovered", slog.Duration("downtime", ev.Downtime))
	})

	subagentTracker, err := subagent.NewTracker(cfg.MaxSubagentDepth)
	if err != nil {
		slog.Error("subagent tracker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	bus, err := eventbus.New(cfg.KafkaBrokers, eventbus.DefaultTopic)
	if err != nil {
		slog.Error("eventbus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			slog.Error("failed to close eventbus", slog.Any("error", err))
		}
	}()
	events := metricsEventSink{inner: bus}

	cli := cliadapter.New(cfg.AgentBinary, cfg.AgentWorkDir, cfg.AgentRunTimeout)
	sessions := sessionmanager.New(sessionmanager.AdapterShim{Adapter: cli}, capacityTracker, subagentTracker, priceTable, events, sessionmanager.NoopNotifier{}, spendMonitor, productivityMonitor, breakers)

	loop := dispatch.New(dispatch.Config{
		TickInterval:        cfg.DispatchTickInterval,
		PageSize:            cfg.DispatchPageSize,
		LowBacklogThreshold: cfg.DispatchPageSize / 5,
		Weights:             priority.DefaultWeights(),
	}, store, store, store, sessions, breakers, spendMonitor, dbHealthMonitor)

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	go loop.Run(dispatchCtx)
	defer cancelDispatch()

	go runDBHealthProbe(dispatchCtx, pool, dbHealthMonitor, cfg.DBHealthProbeInterval)

	handler := opsserver.NewRouter(cfg, opsserver.Deps{
		Breakers:     breakers,
		Spend:        spendMonitor,
		Productivity: productivityMonitor,
		DBHealth:     dbHealthMonitor,
		Capacity:     capacityTracker,
		Events:       bus,
		DBPing: func(ctx context.Context) error {
			_, err := store.Project(ctx, "__readyz_probe__")
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return nil
		},
	})

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancelDispatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// buildCapacityTracker returns a RedisTracker when REDIS_URL is configured
// (multi-instance deployments sharing one capacity budget), otherwise an
// in-memory tracker for a single dispatcher process.
func buildCapacityTracker(cfg config.Config) capacity.Tracker {
	limits := modelLimits(cfg)
	if cfg.RedisURL == "" {
		return capacity.NewMemoryTracker(limits)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL, falling back to in-memory capacity tracker", slog.Any("error", err))
		return capacity.NewMemoryTracker(limits)
	}
	return capacity.NewRedisTracker(redis.NewClient(opt), limits)
}

// runDBHealthProbe periodically pings the persistence pool so the DB Health
// Monitor's degraded/recovered state reflects the database's real
// reachability, not just whatever errors the dispatch loop happens to see
// on its own read path.
func runDBHealthProbe(ctx context.Context, pool *pgxpool.Pool, monitor *dbhealth.Monitor, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	probe := func(ctx context.Context) error { return pool.Ping(ctx) }

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if monitor.IsDegraded() {
				_ = monitor.AttemptDbRecovery(ctx, probe)
				continue
			}
			if err := probe(ctx); err != nil {
				monitor.OnDBFailure(err)
			} else {
				monitor.OnDBSuccess()
			}
		}
	}
}

func modelLimits(cfg config.Config) map[domain.Model]int {
	limits := make(map[domain.Model]int, 3)
	for model, n := range cfg.CapacityLimits() {
		limits[domain.Model(model)] = n
	}
	return limits
}

// metricsEventSink wraps the eventbus Bus so every published event also
// updates the session-finalized Prometheus counter, without teaching the
// bus itself about metric label shapes.
type metricsEventSink struct {
	inner *eventbus.Bus
}

func (s metricsEventSink) Publish(ctx context.Context, eventType string, payload any) {
	s.inner.Publish(ctx, eventType, payload)
	if eventType != "session:finalized" {
		return
	}
	if f, ok := payload.(domain.SessionFinalized); ok {
		observability.RecordSessionFinalized(string(f.Model), string(f.Status))
	}
}

var _ domain.EventSink = metricsEventSink{}
