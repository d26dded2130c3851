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
	"caseroom/pkg/caserecord"
	"caseroom/pkg/feed"
	"caseroom/pkg/httpx"
	"caseroom/pkg/metrics"
	"caseroom/pkg/store"
	"caseroom/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type caseDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type initTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (caseDB, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = initTelemetryFunc(telemetry.Init)
	openDBFn        = func(ctx context.Context) (caseDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = openRedisFunc(store.NewRedis)
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := run(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("caseapi: %v", err)
	}
}

func run(initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "caseapi")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	ctrl := caserecord.NewController(pool)
	if err := ctrl.EnsureSchema(ctx); err != nil {
		return err
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, accepted updates will not reach live rooms: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	var fanout bus.Bus
	if redisClient != nil {
		fanout = bus.NewRedis(redisClient)
		defer fanout.Close()
	}

	var updates caserecord.Feed
	if brokers := splitList(env("FEED_BROKERS", "")); len(brokers) > 0 {
		writer, err := feed.NewWriter(feed.Config{
			Brokers: brokers,
			Topic:   env("FEED_TOPIC", "case-updates"),
		})
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		defer writer.Close()
		updates = writer
	} else {
		log.Printf("FEED_BROKERS empty, update feed disabled")
	}

	reg := metrics.NewRegistry()
	instanceID := env("INSTANCE_ID", uuid.NewString())
	handler := caserecord.NewHandler(ctrl, fanout, updates, instanceID)
	handler.Metrics = reg

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(metricsMiddleware(reg))
	r.Use(telemetry.HTTPMiddleware("caseapi"))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"service":  "caseapi",
			"instance": instanceID,
		})
	})
	r.Get("/metrics", reg.Handler())
	r.Get("/metrics/prometheus", reg.PrometheusHandler())
	handler.Register(r)

	addr := env("ADDR", ":8081")
	log.Printf("caseapi %s listening on %s", instanceID, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
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
