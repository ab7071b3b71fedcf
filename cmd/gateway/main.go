// Command gateway wires together the task store, work queue, event bus,
// resilience controller, cost engine, quality tracker, orchestrator,
// webhook dispatcher and progress tracker into one HTTP process: Redis
// when reachable, in-memory fallback otherwise, with leader election
// gating the fleet-wide singleton loops.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/conduitgw/gateway/coordination"
	"github.com/conduitgw/gateway/costengine"
	"github.com/conduitgw/gateway/dashboard"
	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/idempotency"
	"github.com/conduitgw/gateway/middleware"
	"github.com/conduitgw/gateway/orchestrator"
	"github.com/conduitgw/gateway/progress"
	"github.com/conduitgw/gateway/quality"
	"github.com/conduitgw/gateway/resilience"
	"github.com/conduitgw/gateway/stats"
	"github.com/conduitgw/gateway/taskstore"
	"github.com/conduitgw/gateway/webhook"
	"github.com/conduitgw/gateway/workqueue"
)

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + uuid.NewString()
}

func main() {
	ctx := context.Background()
	nodeID := "gateway-" + generateNodeID()

	redisAddr := os.Getenv("REDIS_ADDR")
	var client *redis.Client
	if redisAddr != "" {
		client = redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Printf("[CONFIG] REDIS_ADDR set but unreachable (%v); falling back to in-memory backends", err)
			client = nil
		}
	}

	var (
		store        taskstore.Store
		queue        workqueue.WorkQueue
		bus          interface {
			eventbus.Publisher
			eventbus.Subscriber
		}
		idemBackend idempotency.Backend
		lease       coordination.LeaseCoordinator
	)

	if client != nil {
		redisStore, err := taskstore.NewRedisStore(ctx, redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("connect task store to redis: %v", err)
		}
		redisQueue, err := workqueue.NewRedisQueue(ctx, client, nodeID)
		if err != nil {
			log.Fatalf("connect work queue to redis: %v", err)
		}
		store = redisStore
		queue = redisQueue
		bus = eventbus.NewRedisBus(client, nodeID)
		idemBackend = idempotency.NewRedisBackend(client)
		lease = coordination.NewRedisLeaseCoordinator(client)
		log.Printf("[CONFIG] connected to redis at %s for task store, work queue, event bus, idempotency, coordination", redisAddr)
	} else {
		store = taskstore.NewMemoryStore()
		queue = workqueue.NewMemoryQueue()
		bus = eventbus.NewMemoryBus(nodeID)
		idemBackend = idempotency.NewMemoryBackend()
		lease = coordination.NewMemoryLeaseCoordinator()
		log.Println("[CONFIG] running single-node: in-memory task store, work queue, event bus, idempotency, coordination")
	}

	idemStore := idempotency.NewStore(idemBackend)

	registry := resilience.NewRegistry(resilience.Thresholds{}, bus)
	elector := coordination.NewLeaderElector(lease, nodeID, "conduit:leader:resilience-controller", 30*time.Second)

	controller := resilience.NewController(registry, elector, 30*time.Second, 60*time.Second)
	controller.Start(ctx) // registers elected/lost callbacks before the election loop starts
	elector.Start(ctx)

	var overrides costengine.OverrideStore
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pgOverrides, err := costengine.NewPostgresOverrideStore(ctx, dsn)
		if err != nil {
			log.Printf("[CONFIG] DATABASE_URL set but connect failed (%v); rate overrides disabled", err)
		} else {
			overrides = pgOverrides
			defer pgOverrides.Close()
		}
	}
	costs := costengine.NewEngine(overrides)

	qualityTracker := quality.NewTracker()
	quality.NewJanitor(qualityTracker, 10*time.Minute).Start(ctx)

	statsCollector := newStatsCollector(client, nodeID)
	go runRegionMonitor(ctx, statsCollector, bus)

	progressTracker := progress.NewTracker(store, bus)

	webhookSecrets := newEnvSecretResolver()
	dispatcher := webhook.NewDispatcher(idemBackend, webhookSecrets)
	if _, err := dispatcher.Run(ctx, bus); err != nil {
		log.Fatalf("subscribe webhook dispatcher: %v", err)
	}

	adapters := map[string]orchestrator.ProviderAdapter{}

	orch := orchestrator.New(
		store, queue, registry, costs, bus, adapters,
		nil, // MediaStorage: external collaborator, out of scope per spec §1
		allowAllQuota{},
		loggingCharger{},
		nodeID,
		orchestrator.WithChargeGuard(lease),
		orchestrator.WithQualityTracker(qualityTracker),
		orchestrator.WithProgressStarter(progressTracker),
	)
	if _, err := orch.Run(ctx, bus); err != nil {
		log.Fatalf("subscribe orchestrator: %v", err)
	}

	janitor := workqueue.NewJanitor(queue, 30*time.Second, workqueue.DefaultClaimTTL)
	janitor.Start(ctx)

	go runClaimLoop(ctx, queue, bus, nodeID)

	dashboardService := dashboard.NewService(queue, registry, qualityTracker, elector, nodeID)
	dashboardHub := dashboard.NewHub(dashboardService)
	go dashboardHub.Run(ctx)
	dashboardHandler := dashboard.NewHandler(dashboardService, dashboardHub)

	api := NewAPI(store, queue, bus, idemStore)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/tasks", middleware.VirtualKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			api.withIdempotency(api.handleCreateTask)(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})))
	mux.Handle("/tasks/", middleware.VirtualKeyMiddleware(http.HandlerFunc(api.handleTaskByID)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/dashboard", dashboardHandler.ServeSnapshot)
	mux.HandleFunc("/api/stream", dashboardHandler.ServeStream)

	handler := middleware.CORSMiddleware(mux)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	fmt.Println("==================================================")
	fmt.Println("Conduit gateway starting")
	fmt.Println("==================================================")
	fmt.Printf("Node:      %s\n", nodeID)
	fmt.Printf("Port:      %s\n", port)
	fmt.Printf("Redis:     %v\n", client != nil)
	fmt.Println("==================================================")

	log.Printf("conduit gateway listening on :%s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

// runClaimLoop is the bridge between the work queue and the orchestrator:
// workqueue.WorkQueue has no eventbus dependency of its own, so whoever
// dequeues a claim is responsible for publishing TaskClaimed with the
// instance that now owns it.
func runClaimLoop(ctx context.Context, queue workqueue.WorkQueue, publisher eventbus.Publisher, instanceID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := queue.Dequeue(ctx, instanceID)
		if err != nil {
			if err == workqueue.ErrQueueEmpty {
				time.Sleep(500 * time.Millisecond)
				continue
			}
			log.Printf("[CLAIM] dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		payload := orchestrator.TaskClaimedPayload{TaskID: item.TaskID, InstanceID: instanceID}
		if err := publisher.Publish(ctx, eventbus.TaskClaimed, payload); err != nil {
			log.Printf("[CLAIM] publish TaskClaimed for %s failed: %v", item.TaskID, err)
		}
	}
}

func newStatsCollector(client *redis.Client, instanceID string) stats.Collector {
	if client != nil {
		return stats.NewRedisCollector(client, instanceID)
	}
	return stats.NewMemoryCollector()
}

// runRegionMonitor periodically heartbeats this instance's presence and
// checks alert thresholds for the default cache region.
func runRegionMonitor(ctx context.Context, collector stats.Collector, publisher eventbus.Publisher) {
	const region = "default"
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := collector.Heartbeat(ctx, region); err != nil {
				log.Printf("[STATS] heartbeat failed: %v", err)
				continue
			}
			snapshot, err := collector.Snapshot(ctx, region)
			if err != nil {
				log.Printf("[STATS] snapshot failed: %v", err)
				continue
			}
			publisher.Publish(ctx, eventbus.CacheStatisticsUpdate, snapshot)

			alerts, err := collector.CheckAlerts(ctx, region, stats.Thresholds{})
			if err != nil {
				log.Printf("[STATS] check alerts failed: %v", err)
				continue
			}
			for _, alert := range alerts {
				publisher.Publish(ctx, eventbus.CacheAlert, alert)
			}
		}
	}
}

// allowAllQuota is a placeholder QuotaChecker: the real balance ledger is
// an external collaborator per spec §1, out of scope for this gateway.
type allowAllQuota struct{}

func (allowAllQuota) HasQuota(ctx context.Context, virtualKeyID string) (bool, error) { return true, nil }

// loggingCharger is a placeholder Charger standing in for the external
// ledger service until it's wired; it records the charge it would have
// applied rather than silently discarding it.
type loggingCharger struct{}

func (loggingCharger) Charge(ctx context.Context, virtualKeyID, idempotencyKey string, amount costengine.Money) error {
	log.Printf("[CHARGE] virtual_key=%s idempotency_key=%s amount=%s", virtualKeyID, idempotencyKey, amount)
	return nil
}

// envSecretResolver reads a single shared webhook signing secret from the
// environment; a future revision might key this per virtual key instead.
type envSecretResolver struct {
	secret string
}

func newEnvSecretResolver() envSecretResolver {
	return envSecretResolver{secret: os.Getenv("WEBHOOK_SIGNING_SECRET")}
}

func (r envSecretResolver) SigningSecret(ctx context.Context, taskID string) (string, bool) {
	if r.secret == "" {
		return "", false
	}
	return r.secret, true
}
