package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-pharmacy-orders/internal/config"
	"github.com/ariefcatur/go-pharmacy-orders/internal/events"
	kafkax "github.com/ariefcatur/go-pharmacy-orders/internal/kafka"
	"github.com/ariefcatur/go-pharmacy-orders/internal/notify"
	"github.com/ariefcatur/go-pharmacy-orders/internal/redisx"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatalf("KAFKA_BROKERS is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := &notify.Service{ServiceName: cfg.NotifierGroup}

	// Redis
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		svc.Dedup = redisx.Deduper{R: rdb}
		svc.Status = redisx.StatusCache{R: rdb}
		svc.Summary = redisx.SummaryCache{R: rdb}
	} else {
		log.Printf("REDIS_ADDR not set, events are handled without dedup")
	}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, events.TopicOrderEvents, cfg.NotifierWorkers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("notifier consumer started: group=%s topic=%s workers=%d", cfg.NotifierGroup, events.TopicOrderEvents, cfg.NotifierWorkers)
		return cons.Start(gctx, svc.HandleEvent)
	})
	if err := g.Wait(); err != nil {
		log.Printf("consumer exit: %v", err)
	}
	log.Println("notifier stopped")
}
