// Command agentflowd is the orchestrator process: it wires the Dependency
// Resolver, Retry Policy, Subprocess Supervisor, Hook Ingress, Review
// Coordinator, Flow Executor, Job Queue and Event Multiplexer (spec.md's
// C1-C8) into one running daemon, serving the hook-ingress HTTP surface,
// the event-multiplexer HTTP/WebSocket surface, and an admin HTTP surface
// for submitting flows, on three separate listeners.
//
// Shape grounded on the retrieval pack's orchestrator reference binary
// (signal.NotifyContext + http.Server graceful shutdown, os.Getenv
// process config) generalized from its single net/http.ServeMux service to
// this repo's three chi-routed surfaces.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/agentforge-dev/agentforge/flow/emit"
	"github.com/agentforge-dev/agentforge/flow/events"
	"github.com/agentforge-dev/agentforge/flow/hooks"
	"github.com/agentforge-dev/agentforge/flow/metrics"
	"github.com/agentforge-dev/agentforge/flow/queue"
	"github.com/agentforge-dev/agentforge/flow/registry"
	"github.com/agentforge-dev/agentforge/flow/store"
	"github.com/agentforge-dev/agentforge/flow/supervisor"
)

func main() {
	cfg := loadConfig()

	logHandler := slog.NewTextHandler(os.Stdout, nil)
	if cfg.LogJSON {
		logHandler = slog.NewJSONHandler(os.Stdout, nil)
	}
	log := slog.New(logHandler)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	emitter := emit.Emitter(emit.NewLogEmitter(os.Stdout, cfg.LogJSON))
	if getenvBool("AGENTFLOWD_OTEL_ENABLED", false) {
		emitter = emit.NewOTelEmitter(otel.Tracer("agentflowd"))
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	agentStore, err := openStore(cfg)
	if err != nil {
		log.Error("opening audit store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = agentStore.Close() }()

	reg, err := loadRegistry(cfg)
	if err != nil {
		log.Error("loading agent registry", "error", err)
		os.Exit(1)
	}

	hub := events.NewHub(events.WithHistorySize(200))

	sup := supervisor.New(supervisor.Config{
		Executable:     cfg.AgentExecutable,
		Args:           cfg.AgentArgs,
		RootDir:        cfg.ProjectRoot,
		HookIngressURL: "http://127.0.0.1" + cfg.HooksAddr,
	}, reg, supervisor.WithEmitter(emitter), supervisor.WithPublisher(hub))

	// The Router's Dispatcher/ReviewDispatcher are the flowManager, which in
	// turn needs the Router to resolve a node's owning flow; New is wired
	// with neither, then SetDispatcher/SetReviewDispatcher close the loop
	// once the manager exists.
	router := hooks.New(hooks.Config{}, nil, nil, emitter, m)
	manager := newFlowManager(cfg, sup, reg, router, hub, agentStore, emitter, m, log)
	router.SetDispatcher(manager)
	router.SetReviewDispatcher(manager)

	eventsAuth := tokenAuthenticator()
	eventsServer := events.NewServer(hub, eventsAuth, manager.Lookup, events.Config{AllowedOrigins: []string{"*"}})

	admin := newAdminServer(manager, agentStore)

	var qpool *queue.WorkerPool
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		q := queue.New(rdb, queue.Config{
			Namespace:   "agentflowd",
			FlowBackoff: queue.Backoff{Base: 2 * time.Second, MaxRetries: 3},
			NodeBackoff: queue.Backoff{Base: time.Second, MaxRetries: 5},
		})
		qpool = queue.NewWorkerPool(q, queue.KindFlow, 2, log)
		go func() {
			err := qpool.RunFlow(ctx, func(ctx context.Context, job queue.FlowJob) error {
				return manager.Submit(ctx, "", job.Flow)
			})
			if err != nil && ctx.Err() == nil {
				log.Error("flow queue worker pool stopped", "error", err)
			}
		}()
	}

	servers := []*http.Server{
		{Addr: cfg.HooksAddr, Handler: router.Handler()},
		{Addr: cfg.EventsAddr, Handler: eventsServer.Handler()},
		{Addr: cfg.AdminAddr, Handler: withMetrics(admin.Handler(), promRegistry)},
	}
	for _, srv := range servers {
		srv := srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("server error", "addr", srv.Addr, "error", err)
				cancel()
			}
		}()
	}

	log.Info("agentflowd started", "hooks_addr", cfg.HooksAddr, "events_addr", cfg.EventsAddr, "admin_addr", cfg.AdminAddr)
	<-ctx.Done()
	log.Info("shutdown initiated")

	// Graceful drain: stop every agent subprocess gracefully before tearing
	// down the HTTP surfaces, so in-flight hook callbacks still land.
	sup.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = emitter.Flush(shutdownCtx)
	log.Info("shutdown complete")
}

func openStore(cfg config) (store.Store, error) {
	if cfg.MySQLDSN != "" {
		return store.NewMySQLStore(cfg.MySQLDSN)
	}
	return store.NewSQLiteStore(cfg.DBPath)
}

func loadRegistry(cfg config) (*registry.Registry, error) {
	if cfg.AgentsFile == "" {
		return registry.New(), nil
	}
	data, err := os.ReadFile(cfg.AgentsFile)
	if err != nil {
		return nil, err
	}
	return registry.LoadYAML(data)
}

// tokenAuthenticator builds an events.Authenticator from the
// AGENTFLOWD_TOKENS env var, a comma-separated "token:role" list (e.g.
// "abc123:admin,xyz789:viewer"). With no tokens configured, every
// connection is accepted as a Viewer, matching this project's
// development-mode default of trusting its own localhost listeners.
func tokenAuthenticator() events.Authenticator {
	raw := os.Getenv("AGENTFLOWD_TOKENS")
	table := map[string]events.Role{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		token, role, ok := strings.Cut(pair, ":")
		if !ok || token == "" || role == "" {
			continue
		}
		table[token] = events.Role(role)
	}
	return func(token string) (string, events.Role, bool) {
		if len(table) == 0 {
			return "anonymous", events.RoleViewer, true
		}
		role, ok := table[token]
		if !ok {
			return "", "", false
		}
		return token, role, true
	}
}

func withMetrics(h http.Handler, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
