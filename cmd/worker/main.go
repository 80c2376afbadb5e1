package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/campaign"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/esp"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"

	_ "github.com/lib/pq"
)

// The worker runs the schedule coordinator without the HTTP surface. It can
// run alongside the server: dispatch leases keep the two from double-sending.
func main() {
	log.Println("Starting campaign engine worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Lifetime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable (%v), using advisory locks", err)
			redisClient = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var transport esp.Transport
	switch cfg.Transport.Provider {
	case "sparkpost":
		transport = esp.NewSparkPostTransport(cfg.SparkPost.APIKey, cfg.SparkPost.BaseURL, cfg.SparkPost.Timeout())
	default:
		transport, err = esp.NewSESTransport(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, cfg.SES.Timeout())
		if err != nil {
			log.Fatalf("Failed to initialize SES transport: %v", err)
		}
	}
	log.Printf("Email transport: %s", transport.Name())

	store := campaign.NewPostgresStore(db)
	resolver := campaign.NewAudienceResolver(store)
	personalizer := campaign.NewContentPersonalizer(cfg.Tracking.PublicURL)
	recorder := campaign.NewTrackingRecorder(store, store, store, store)

	leases := func(key string, ttl time.Duration) distlock.Lease {
		return distlock.New(redisClient, db, key, ttl)
	}
	dispatcher := campaign.NewDispatcher(store, store, resolver, personalizer, transport, recorder, leases, campaign.DispatcherConfig{
		BatchSize:   cfg.Dispatch.BatchSize,
		BatchDelay:  cfg.Dispatch.BatchDelay(),
		SendTimeout: cfg.Dispatch.SendTimeout(),
		LeaseTTL:    cfg.Dispatch.LeaseTTL(),
	})

	coordinator := campaign.NewCoordinator(store, dispatcher, campaign.CoordinatorConfig{
		PollInterval: cfg.Scheduler.PollInterval(),
		RetryFailed:  cfg.Scheduler.RetryFailed,
		MaxRetries:   cfg.Scheduler.MaxRetries,
	})
	if err := coordinator.Start(); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}
	log.Printf("Worker running, poll interval %s", cfg.Scheduler.PollInterval())

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down worker...")
	cancel()
	coordinator.Stop()
	log.Println("Worker stopped")
}
