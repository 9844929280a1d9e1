package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasira/backend/internal/cache"
	"kasira/backend/internal/config"
	"kasira/backend/internal/httpapi"
	"kasira/backend/internal/insight"
	"kasira/backend/internal/metrics"
	"kasira/backend/internal/payment"
	"kasira/backend/internal/realtime"
	"kasira/backend/internal/relay"
	"kasira/backend/internal/service"
	"kasira/backend/internal/store"
	"kasira/backend/internal/store/memory"
	pgstore "kasira/backend/internal/store/postgres"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("repository: %v", err)
	}
	closers = append(closers, closeRepo)

	m := metrics.New()
	notifier := realtime.NewNotifier()
	notifier.OnFailure(func(evt realtime.Event, err error) {
		m.ListenerFailed(evt.Name)
		log.Printf("[realtime] WARN: listener failed channel=%s event=%s: %v", evt.Channel, evt.Name, err)
	})

	insightCache := cache.InsightCache(cache.NoopInsightCache{})
	publisher := relay.Publisher(relay.NoopPublisher{})
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable (%v), using noop cache and relay", err)
			_ = client.Close()
		} else {
			insightCache = cache.NewRedisInsightCache(client)
			publisher = relay.NewRedisPublisherFromClient(client)
			closers = append(closers, client.Close)
			log.Println("cache: redis, relay: redis")
		}
	} else {
		log.Println("cache: noop, relay: noop")
	}
	relay.Attach(notifier, publisher, cfg.RelayChannelPrefix, 2*time.Second)

	engine := insight.NewEngine(insightCache, cfg.InsightTTL())
	svc := service.New(repo, notifier, payment.SalesRegistry(), engine)
	svc.SetMetrics(m)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		CallbackToken:      cfg.PaymentCallbackToken,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Metrics:            m,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	expiryDone := make(chan struct{})
	go func() {
		defer close(expiryDone)
		runExpiryLoop(bgCtx, svc, time.Minute, cfg.PaymentExpiry())
	}()

	go func() {
		log.Printf("Kasira backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopBackground()
	<-expiryDone

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// openRepository picks postgres when DATABASE_URL is set and the seeded
// memory store otherwise. The returned closer also persists the memory
// snapshot when MEMORY_SNAPSHOT_PATH is configured.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable (%w) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Println("repository: postgres")
		return pg, pg.Close, nil
	}

	mem := memory.NewSeeded()
	if cfg.MemorySnapshotPath == "" {
		log.Println("repository: in-memory")
		return mem, func() error { return nil }, nil
	}
	loaded, err := mem.LoadFile(cfg.MemorySnapshotPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot %s: %w", cfg.MemorySnapshotPath, err)
	}
	log.Printf("repository: in-memory (snapshot %s, restored=%t)", cfg.MemorySnapshotPath, loaded)
	return mem, func() error { return mem.SaveFile(cfg.MemorySnapshotPath) }, nil
}

// runExpiryLoop expires pending payments older than olderThan every tick
// until ctx is cancelled.
func runExpiryLoop(ctx context.Context, svc *service.Service, every time.Duration, olderThan time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ExpireStalePayments(ctx, olderThan); err != nil && ctx.Err() == nil {
				log.Printf("[expiry] WARN: sweep failed: %v", err)
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.PaymentCallbackToken) < 16 {
		return fmt.Errorf("PAYMENT_CALLBACK_TOKEN must be set and at least 16 characters")
	}
	if cfg.PaymentCallbackToken == cfg.AuthSecret {
		return fmt.Errorf("PAYMENT_CALLBACK_TOKEN must differ from AUTH_SECRET")
	}
	return nil
}
