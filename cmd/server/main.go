package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/campaign"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/esp"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("Starting campaign engine server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	// Database
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
		log.Fatalf("Failed to ping database at %s: %v", extractHost(cfg.Database.URL), err)
	}
	log.Printf("Connected to database at %s", extractHost(cfg.Database.URL))

	// Redis is optional; without it dispatch leases fall back to Postgres
	// advisory locks.
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
		} else {
			log.Printf("Connected to redis at %s", cfg.Redis.Addr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
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

	handler := campaign.NewHandler(store, recorder, dispatcher, coordinator)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Mount("/", handler.Routes())

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, cfg.Server.Port),
		Handler: r,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	cancel()
	coordinator.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

func buildTransport(ctx context.Context, cfg *config.Config) (esp.Transport, error) {
	switch cfg.Transport.Provider {
	case "sparkpost":
		return esp.NewSparkPostTransport(cfg.SparkPost.APIKey, cfg.SparkPost.BaseURL, cfg.SparkPost.Timeout()), nil
	case "ses", "":
		return esp.NewSESTransport(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, cfg.SES.Timeout())
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Transport.Provider)
	}
}
