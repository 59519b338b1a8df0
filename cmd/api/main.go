package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/analytics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/checkout"
	"github.com/ariefcatur/go-pharmacy-orders/internal/config"
	"github.com/ariefcatur/go-pharmacy-orders/internal/events"
	"github.com/ariefcatur/go-pharmacy-orders/internal/gateway"
	"github.com/ariefcatur/go-pharmacy-orders/internal/httpx"
	"github.com/ariefcatur/go-pharmacy-orders/internal/identity"
	kafkax "github.com/ariefcatur/go-pharmacy-orders/internal/kafka"
	"github.com/ariefcatur/go-pharmacy-orders/internal/orders"
	"github.com/ariefcatur/go-pharmacy-orders/internal/payments"
	"github.com/ariefcatur/go-pharmacy-orders/internal/postgres"
	"github.com/ariefcatur/go-pharmacy-orders/internal/redisx"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store/memstore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := retry.Default("store")
	policy.MaxRetries = cfg.RetryMaxRetries
	policy.InitialDelay = cfg.RetryInitialDelay

	// DB
	var st store.Store
	if cfg.PostgresDSN != "" {
		db, err := retry.Value(ctx, policy.Named("db connect"), func(ctx context.Context) (*pgxpool.Pool, error) {
			return postgres.Connect(ctx, cfg.PostgresDSN)
		})
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
		st = postgres.NewStore(db, cfg.TxMaxWait, cfg.TxTimeout)
	} else {
		log.Printf("POSTGRES_DSN not set, using in-memory store")
		st = memstore.New()
	}

	// Kafka producer
	var pub events.Publisher = events.Nop{}
	var prod *kafkax.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, events.TopicOrderEvents, 1024)
		prod.Start(ctx)
		pub = &kafkax.EventPublisher{Producer: prod, Service: cfg.ServiceName}
	}

	resolver := identity.NewResolver(st, policy, cfg.JWTSecret, cfg.GuestCheckout, cfg.AdminCacheTTL)
	reader := &analytics.Reader{Store: st}
	ord := orders.NewService(st, policy, pub)
	rec := &payments.Reconciler{
		Store:             st,
		Retry:             policy,
		Events:            pub,
		Analytics:         reader,
		LowStockThreshold: cfg.LowStockThreshold,
	}
	co := &checkout.Service{
		Identity: resolver,
		Gateway:  gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, policy),
		Store:    st,
		Orders:   ord,
		Payments: rec,
		Retry:    policy,
		Currency: cfg.Currency,
		Country:  cfg.Country,

		CreateAttempts: 3,
		CreatePause:    time.Second,
	}
	h := &httpx.Handler{
		Checkout:  co,
		Orders:    ord,
		Identity:  resolver,
		Store:     st,
		Retry:     policy,
		Analytics: reader,
	}

	// Redis
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		co.Cache = redisx.ResponseCache{R: rdb}
		reader.Cache = redisx.SummaryCache{R: rdb}
		h.Status = redisx.StatusCache{R: rdb}
	}

	router := httpx.NewRouter()
	h.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Printf("server: %v", err)
	}

	if prod != nil {
		prod.Close()      // closes the inbox, flushes and closes the writer
		prod.WaitClosed() // drain
	}
}
