// ==============================================================================
// CLEARING GATEWAY - cmd/clearing-gateway/main.go
// ==============================================================================
// The long-running settlement process: opens/closes clearing windows on
// schedule, polls the tier-2 reconciliation backlog, and drives checkpoint
// block finalization as the ledger crosses size boundaries. It carries no
// HTTP API surface of its own beyond a liveness/readiness pair and the
// operator feed; the payment and settlement facades live elsewhere.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"settlerail/internal/clearing/atomicop"
	"settlerail/internal/clearing/bankapi"
	"settlerail/internal/clearing/checkpoint"
	"settlerail/internal/clearing/eventbus"
	"settlerail/internal/clearing/hsm"
	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/ledger"
	"settlerail/internal/clearing/netting"
	"settlerail/internal/clearing/obligation"
	"settlerail/internal/clearing/orchestrator"
	"settlerail/internal/clearing/reconciliation"
	"settlerail/internal/clearing/store/postgres"
	"settlerail/internal/clearing/validation"
	"settlerail/internal/clearing/window"
	"settlerail/pkg/cache"
	"settlerail/pkg/config"
	"settlerail/pkg/logger"
)

// regions is the static set of corridors this deployment clears. A real
// operator would load this from a config file alongside the validator
// set; both are hardcoded here since neither has a persistence layer of
// its own yet.
var regions = []string{"US-EU", "APAC", "MEA"}

func main() {
	cfg := config.Load()
	log := logger.New("clearing-gateway")

	log.Info("starting clearing gateway", map[string]interface{}{"regions": regions})

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("failed to connect to redis", map[string]interface{}{"error": err.Error()})
	}
	defer redisCache.Close()
	log.Info("redis connected", nil)

	hsmHandle, err := hsm.Init(cfg.HSM)
	if err != nil {
		log.Fatal("failed to initialize HSM handle", map[string]interface{}{"error": err.Error()})
	}
	defer hsmHandle.Shutdown()

	validators := ephemeralValidatorSet(cfg.Clearing.BFTValidatorCount, log)

	kafkaForwarder := eventbus.NewKafkaForwarder(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	defer kafkaForwarder.Close()
	adminFeed := eventbus.NewAdminFeed(log)
	bus := eventbus.NewBus(log, kafkaForwarder, adminFeed)
	defer bus.Close()

	ids := idgen.Default

	ledgerSvc, err := ledger.NewService(postgres.NewLedgerRepository(db), hsmHandle, ids, log)
	if err != nil {
		log.Fatal("failed to load ledger state", map[string]interface{}{"error": err.Error()})
	}
	ledgerSvc.OnAppend(func(ev ledger.Event) {
		if err := bus.Publish(eventbus.TopicLedgerEventAppended, ev.ID, ev); err != nil {
			log.Warn("publishing ledger event failed", map[string]interface{}{"error": err.Error()})
		}
	})

	windowSvc := window.NewService(postgres.NewWindowRepository(db), time.Now, log)
	obligationSvc := obligation.NewService(postgres.NewObligationRepository(db), ledgerSvc, ids, log)
	reconSvc := reconciliation.NewService(
		postgres.NewReconciliationRepository(db),
		obligationSvc,
		postgres.NewObligationMatchIndex(db),
		postgres.NewAccountRepository(db),
		bankapi.Init(cfg.Clearing, cfg.Clearing.BankAPIEndpoint),
		bus,
		cfg.Reconciliation,
		ids,
		log,
	).WithRedisMirror(redisCache, cfg.Reconciliation.CircuitBreakerWindow)
	atomicCtl := atomicop.NewController(postgres.NewAtomicOpRepository(db), ids, log)
	checkpointMgr, err := checkpoint.NewManager(
		postgres.NewCheckpointRepository(db), validators, hsmHandle,
		cfg.Clearing.NetworkID, cfg.Clearing.ProtocolVersion, cfg.Clearing.CheckpointHeightInterval, log,
	)
	if err != nil {
		log.Fatal("failed to load checkpoint manager state", map[string]interface{}{"error": err.Error()})
	}

	replayGuard := validation.NewNonceGuard().WithRedisMirror(redisCache, cfg.Clearing.ReplayTTL)

	pipeline := orchestrator.New(
		obligationSvc, windowSvc, reconSvc, netting.NewEngine(), atomicCtl,
		ledgerSvc, checkpointMgr, bus, log,
	).WithReplayGuard(replayGuard, cfg.Clearing.ReplayTTL).
		WithAtomicDeadline(cfg.Clearing.AtomicOpDeadline)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go runWindowScheduler(ctx, &wg, pipeline, windowSvc, cfg.Clearing, log)

	wg.Add(1)
	go runTier2Poller(ctx, &wg, reconSvc, cfg.Clearing.Tier2PollInterval, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      statusMux(db, adminFeed),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		log.Info("status server listening", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("status server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down clearing gateway...", nil)
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("status server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}
	log.Info("clearing gateway stopped gracefully", nil)
}

// ephemeralValidatorSet builds an in-process BFT validator set sized to
// count. A production deployment loads persisted validator keys instead of
// generating them at startup; this mirrors hsm.Init's "mock" provider in
// spirit, and is the right default wherever Provider is "mock".
func ephemeralValidatorSet(count int, log logger.Logger) *checkpoint.ValidatorSet {
	if count <= 0 {
		count = 4
	}
	log.Warn("generating ephemeral validator keys for this process; a production deployment must load persisted keys", map[string]interface{}{"count": count})
	validators := make([]checkpoint.Validator, count)
	for i := range validators {
		validators[i] = checkpoint.Validator{
			ID:        fmt.Sprintf("validator-%d", i),
			PublicKey: ed25519.GenPrivKey().PubKey().(ed25519.PubKey),
		}
	}
	return checkpoint.NewValidatorSet(validators)
}

// runWindowScheduler opens each region's window on its fixed duration
// schedule and closes it once wall time crosses the window's cutoff,
// driving the orchestrator's CloseWindow for the "at window close" row of
// the ingest-to-settlement flow. Tick is idempotent, so re-ticking an already-open
// window just returns it; failedBanks is always nil here, a real
// deployment would feed this from a bank health-check poller, out of this
// process's scope. A close that leaves blocked obligations behind records
// the window id, and the next window opened for the same region absorbs
// them via RequeueBlocked before accepting new traffic of its own.
func runWindowScheduler(ctx context.Context, wg *sync.WaitGroup, p *orchestrator.Pipeline, windows *window.Service, cfg config.ClearingConfig, log logger.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// per-region window id whose partial settlement left obligations behind
	pendingRequeue := make(map[string]int64)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, region := range regions {
				entry := window.ScheduleEntry{Region: region, Duration: cfg.WindowDuration, Grace: cfg.GracePeriod}
				w, opened, err := windows.Tick(ctx, entry)
				if err != nil {
					log.Error("window tick failed", map[string]interface{}{"region": region, "error": err.Error()})
					continue
				}
				if opened {
					if err := p.Bus.Publish(eventbus.TopicWindowOpened, uuid.Nil, w); err != nil {
						log.Warn("publishing window.opened failed", map[string]interface{}{"error": err.Error()})
					}
					if fromID, ok := pendingRequeue[region]; ok {
						moved, err := p.RequeueBlocked(ctx, fromID, w.ID)
						if err != nil {
							log.Error("requeuing blocked obligations failed", map[string]interface{}{
								"region": region, "from_window": fromID, "to_window": w.ID, "error": err.Error(),
							})
						} else {
							delete(pendingRequeue, region)
							if moved > 0 {
								log.Info("blocked obligations requeued", map[string]interface{}{
									"region": region, "from_window": fromID, "to_window": w.ID, "count": moved,
								})
							}
						}
					}
				}
				if time.Now().UTC().Before(w.Cutoff) {
					continue
				}
				result, err := p.CloseWindow(ctx, w.ID, nil)
				if err != nil {
					log.Error("window close failed", map[string]interface{}{"region": region, "window_id": w.ID, "error": err.Error()})
					continue
				}
				if len(result.BlockedObligationIDs) > 0 {
					pendingRequeue[region] = w.ID
				}
			}
		}
	}
}

// runTier2Poller drives reconciliation.Service.Tier2 on the configured
// interval: the intraday balance poll against every active account
// via the bank-API collaborator.
func runTier2Poller(ctx context.Context, wg *sync.WaitGroup, recon *reconciliation.Service, interval time.Duration, log logger.Logger) {
	defer wg.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evaluated, err := recon.Tier2(ctx)
			if err != nil {
				log.Error("tier-2 poll failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if evaluated > 0 {
				log.Info("tier-2 poll evaluated accounts", map[string]interface{}{"count": evaluated})
			}
		}
	}
}

func statusMux(db *sqlx.DB, feed *eventbus.AdminFeed) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"clearing-gateway"}`))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","reason":"database unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"clearing-gateway"}`))
	})
	mux.HandleFunc("/admin/feed", feed.HandleWebSocket)
	return mux
}
