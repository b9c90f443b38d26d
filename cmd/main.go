/**
 * @description
 * This is the main entry point for the group service. It is responsible for
 * initializing all components of the service, including configuration, the
 * storage tier clients, the message broker producer, the core synchronization
 * service, the reconcile scheduler, and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/redis/go-redis/v9: Redis client for distributed rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient, pkg/objectstore, pkg/rabbitmq: Tier clients and the event producer.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/squadsave/group-service/internal/api"
	"github.com/squadsave/group-service/internal/app"
	"github.com/squadsave/group-service/internal/config"
	"github.com/squadsave/group-service/internal/store"
	"github.com/squadsave/group-service/pkg/ledgerclient"
	"github.com/squadsave/group-service/pkg/objectstore"
	rmrabbit "github.com/squadsave/group-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.ObjectStoreBaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"object store base url must be configured\" env=OBJECT_STORE_BASE_URL")
	}
	if strings.TrimSpace(cfg.ChainRPCURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"chain rpc url must be configured\" env=CHAIN_RPC_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting group-service\" port=%s", cfg.ServerPort)

	// Tier clients: the durable object store and the contract relay.
	objectClient := objectstore.NewClient(cfg.ObjectStoreBaseURL, cfg.ObjectStoreAPIKey, cfg.ObjectStoreBucket)
	ledgerClient := ledgerclient.NewClient(cfg.ChainRPCURL, cfg.ChainRPCAPIKey)
	ledgerClient.PollInterval = time.Duration(cfg.ConfirmationPollIntervalMS) * time.Millisecond

	// Initialize the RabbitMQ producer to publish lifecycle events.
	// This service only needs to publish, so we use a producer.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs join rate limiting; a missing or unreachable instance
	// disables limiting rather than blocking startup.
	var redisClient *redis.Client
	rateLimitingEnabled := cfg.JoinRateLimitPerMinute > 0 || cfg.InviteLookupRateLimitPerMinute > 0
	if rateLimitingEnabled {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; join rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; join rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; join rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the core synchronization service with its dependencies.
	cache := store.NewCacheStore()
	groupService := app.NewService(cache, objectClient, ledgerClient, producer, app.ServiceConfig{
		EventExchange:       cfg.GroupEventExchange,
		MaxMembers:          cfg.MaxGroupMembers,
		CreateTimeout:       time.Duration(cfg.CreateTimeoutSeconds) * time.Second,
		UpdateTimeout:       time.Duration(cfg.UpdateTimeoutSeconds) * time.Second,
		ConfirmationTimeout: time.Duration(cfg.ConfirmationTimeoutSeconds) * time.Second,
		JoinRateLimit:       cfg.JoinRateLimitPerMinute,
		InviteLookupLimit:   cfg.InviteLookupRateLimitPerMinute,
	})
	if redisClient != nil {
		groupService.SetJoinRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix, map[string]app.LimitPolicy{
				app.RateScopeJoin:         {Limit: cfg.JoinRateLimitPerMinute, Window: time.Minute},
				app.RateScopeInviteLookup: {Limit: cfg.InviteLookupRateLimitPerMinute, Window: time.Minute},
			}),
		)
	}

	// The periodic reconcile sweep drains pending_sync and ledger_diverged.
	scheduler := app.NewScheduler(groupService, cfg.ReconcileSchedule)
	scheduler.Start()

	// Initialize the API handlers.
	groupHandlers := api.NewGroupHandlers(groupService, cfg.AdminAPIKey, cfg.ObjectStoreBucket)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.GroupRoutes(groupHandlers, cfg.SessionJWTSecret))

	// Start the HTTP server, bound to all interfaces.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Let any running reconcile job and in-flight confirmation watchers drain.
	<-scheduler.Stop().Done()
	groupService.WaitForBackground()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
