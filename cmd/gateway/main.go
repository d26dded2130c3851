package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"caseroom/pkg/bus"
	"caseroom/pkg/docsync"
	"caseroom/pkg/feed"
	"caseroom/pkg/gateway"
	"caseroom/pkg/httpx"
	"caseroom/pkg/identity"
	"caseroom/pkg/metrics"
	"caseroom/pkg/ratelimit"
	"caseroom/pkg/store"
	"caseroom/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type initTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (gatewayDB, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = initTelemetryFunc(telemetry.Init)
	openDBFn        = func(ctx context.Context) (gatewayDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = openRedisFunc(store.NewRedis)
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := run(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func run(initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, running single-instance with in-memory bus: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var fanout bus.Bus
	if redisClient != nil {
		fanout = bus.NewRedis(redisClient)
	} else {
		fanout = bus.NewMemory()
	}
	defer fanout.Close()
	cache := store.NewCache(ctx, redisClient)

	instanceID := env("INSTANCE_ID", uuid.NewString())

	snapshots := &docsync.PGSnapshotStore{DB: pool}
	if err := snapshots.EnsureSchema(ctx); err != nil {
		return err
	}
	engine := docsync.NewEngine(fanout, snapshots, instanceID, nil)
	engine.FlushInterval = envDurationSec("DOC_FLUSH_INTERVAL_SEC", 30)
	engine.CompactAfterOps = envInt("DOC_COMPACT_AFTER_OPS", 512)
	go engine.Run(ctx)
	defer engine.Close(context.Background())

	var limiter ratelimit.Limiter
	chatWindow := envDurationSec("CHAT_RATE_WINDOW_SEC", 60)
	if redisClient != nil {
		rl := ratelimit.NewRedis(redisClient, chatWindow)
		rl.Fallback = ratelimit.NewInMemory(chatWindow)
		limiter = rl
	} else {
		limiter = ratelimit.NewInMemory(chatWindow)
	}

	reg := metrics.NewRegistry()
	verifier := identity.NewVerifier(
		env("SESSION_SECRET", ""),
		identity.WithIssuer(env("SESSION_ISSUER", "")),
		identity.WithAudience(env("SESSION_AUDIENCE", "")),
	)

	gw := gateway.New(gateway.Config{
		Verifier:         verifier,
		Bus:              fanout,
		Engine:           engine,
		Limiter:          limiter,
		Metrics:          reg,
		Cache:            cache,
		InstanceID:       instanceID,
		QueueBound:       envInt("OUTBOUND_QUEUE_BOUND", 128),
		HeartbeatTimeout: envDurationSec("HEARTBEAT_TIMEOUT_SEC", 30),
		ChatPerMinute:    envInt("CHAT_RATE_PER_WINDOW", 30),
		AllowedOrigins:   env("WS_ALLOWED_ORIGINS", ""),
	})
	go gw.Run(ctx)

	if brokers := env("FEED_BROKERS", ""); len(splitList(brokers)) > 0 {
		consumer, err := feed.NewKafkaConsumer(feed.Config{
			Brokers: splitList(brokers),
			Topic:   env("FEED_TOPIC", "case-updates"),
			GroupID: env("FEED_GROUP_ID", "caseroom-gateway"),
		})
		if err != nil {
			return fmt.Errorf("feed consumer: %w", err)
		}
		defer consumer.Close()
		go gw.RunFeed(ctx, consumer)
		log.Printf("consuming case updates from %s", brokers)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(metricsMiddleware(reg))
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := "ok"
		code := http.StatusOK
		if !fanout.Healthy(req.Context()) {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		httpx.WriteJSON(w, code, map[string]string{
			"status":   status,
			"service":  "gateway",
			"instance": instanceID,
		})
	})
	r.Get("/metrics", reg.Handler())
	r.Get("/metrics/prometheus", reg.PrometheusHandler())
	r.Get("/v1/rooms/{caseID}/ws", gw.HandleWS)

	addr := env("ADDR", ":8080")
	log.Printf("gateway %s listening on %s", instanceID, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func metricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			reg.Observe(r.Method+" "+path, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker during websocket
// upgrades.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
