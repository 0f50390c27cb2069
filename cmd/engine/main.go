package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/dropkit/flashsale/internal/clock"
	"github.com/dropkit/flashsale/internal/config"
	"github.com/dropkit/flashsale/internal/events"
	"github.com/dropkit/flashsale/internal/httpx"
	"github.com/dropkit/flashsale/internal/inventory"
	kafkax "github.com/dropkit/flashsale/internal/kafka"
	"github.com/dropkit/flashsale/internal/ledger"
	"github.com/dropkit/flashsale/internal/orders"
	"github.com/dropkit/flashsale/internal/postgres"
	"github.com/dropkit/flashsale/internal/queue"
	"github.com/dropkit/flashsale/internal/sale"
	"github.com/dropkit/flashsale/internal/scheduler"
	"github.com/dropkit/flashsale/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.ServiceName).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()

	// Coordination store
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	coord := store.NewRedisWithClient(rdb)

	// Kafka producers (notification/audit sink)
	admissions := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicAdmissions, 1024, log)
	admissions.Start(ctx)
	purchases := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicPurchases, 1024, log)
	purchases.Start(ctx)
	saleStatus := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicSaleStatus, 256, log)
	saleStatus.Start(ctx)
	queueEvents := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicQueueEvents, 256, log)
	queueEvents.Start(ctx)

	// Repos & engines
	saleRepo := &sale.Repo{DB: db}
	entryRepo := &ledger.Repo{DB: db}
	orderRepo := &orders.Repo{DB: db}
	clk := clock.NewSystem()

	inv := inventory.New(coord, saleRepo, orderRepo, entryRepo, cfg.ReservationTTL, log)
	q := queue.New(coord, entryRepo, clk, cfg.QueueMaxSize, cfg.AdmitBatchSize, cfg.ProcessingTimePerUser, log)

	machine := sale.NewMachine(saleRepo, clk, log)
	machine.OnBefore(func(ctx context.Context, s sale.Sale, from, to sale.Status) {
		// Bust the read-through cache before the status flips.
		if err := rdb.Del(ctx, store.ActiveSalesKey).Err(); err != nil {
			log.Warn().Err(err).Msg("active sales cache invalidation failed")
		}
	})
	machine.OnAfter(func(_ context.Context, s sale.Sale, from, to sale.Status) {
		ev := events.Envelope{
			EventID:       uuid.NewString(),
			EventType:     events.EventSaleStatusChanged,
			EventVersion:  1,
			OccurredAt:    time.Now().UTC(),
			Producer:      cfg.ServiceName,
			CorrelationID: s.ID,
			Payload: kafkax.MustMarshal(events.SaleStatusChangedPayload{
				SaleID: s.ID, Previous: string(from), Current: string(to),
			}),
		}
		saleStatus.Publish(events.PartitionKey(s.ID), kafkax.MustMarshal(ev),
			kafkago.Header{Key: "x-event-type", Value: []byte(events.EventSaleStatusChanged)})
	})
	machine.OnAfter(func(ctx context.Context, s sale.Sale, _, to sale.Status) {
		// A cancelled sale gives its held units back immediately.
		if to != sale.StatusCancelled {
			return
		}
		if _, err := inv.BulkRelease(ctx, s.ID); err != nil {
			log.Error().Err(err).Str("sale_id", s.ID).Msg("bulk release after cancel failed")
		}
	})

	// Reconciliation scheduler, owned here.
	sched := scheduler.NewReconciler(scheduler.ReconcilerConfig{
		SaleStatusInterval:       cfg.SaleStatusInterval,
		InventorySyncInterval:    cfg.InventorySyncInterval,
		ReservationSweepInterval: cfg.ReservationSweepInterval,
		CacheRefreshInterval:     cfg.CacheRefreshInterval,
		ReservationTTL:           cfg.ReservationTTL,
		LedgerRetentionDays:      cfg.LedgerRetentionDays,
	}, machine, saleRepo, inv, entryRepo, entryRepo, func(ctx context.Context, active []sale.Sale) error {
		ids := make([]string, 0, len(active))
		for _, s := range active {
			ids = append(ids, s.ID)
		}
		b, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		return rdb.Set(ctx, store.ActiveSalesKey, b, 0).Err()
	}, log)
	sched.Start()

	// HTTP surface
	router := httpx.NewRouter()
	h := &httpx.SalesHandler{
		Queue:       q,
		Inventory:   inv,
		Machine:     machine,
		Scheduler:   sched,
		Sales:       saleRepo,
		Ledger:      entryRepo,
		Admissions:  admissions,
		Purchases:   purchases,
		QueueEvents: queueEvents,
		Service:     cfg.ServiceName,
	}
	h.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	sched.Stop()
	cancel() // stop producer loops, flush buffered events
	admissions.WaitClosed()
	purchases.WaitClosed()
	saleStatus.WaitClosed()
	queueEvents.WaitClosed()
}
