package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	alertsink "github.com/alanyang/delegate-broker/internal/adapter/alert"
	"github.com/alanyang/delegate-broker/internal/adapter/auth"
	"github.com/alanyang/delegate-broker/internal/adapter/callback"
	"github.com/alanyang/delegate-broker/internal/adapter/evaluator"
	"github.com/alanyang/delegate-broker/internal/adapter/flags"
	"github.com/alanyang/delegate-broker/internal/adapter/memory"
	pgdb "github.com/alanyang/delegate-broker/internal/adapter/postgres"
	pgagent "github.com/alanyang/delegate-broker/internal/adapter/postgres/agent"
	pgconnection "github.com/alanyang/delegate-broker/internal/adapter/postgres/connection"
	pgeventbus "github.com/alanyang/delegate-broker/internal/adapter/postgres/eventbus"
	pgidempotency "github.com/alanyang/delegate-broker/internal/adapter/postgres/idempotency"
	pglocker "github.com/alanyang/delegate-broker/internal/adapter/postgres/locker"
	pgprofile "github.com/alanyang/delegate-broker/internal/adapter/postgres/profile"
	pgselectormap "github.com/alanyang/delegate-broker/internal/adapter/postgres/selectormap"
	pgslot "github.com/alanyang/delegate-broker/internal/adapter/postgres/slot"
	pgtask "github.com/alanyang/delegate-broker/internal/adapter/postgres/task"
	redisadapter "github.com/alanyang/delegate-broker/internal/adapter/redis"
	"github.com/alanyang/delegate-broker/internal/adapter/sqlite"
	"github.com/alanyang/delegate-broker/internal/config"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
	"github.com/alanyang/delegate-broker/internal/hub"
	"github.com/alanyang/delegate-broker/internal/metrics"
	portagent "github.com/alanyang/delegate-broker/internal/port/agent"
	portbroadcast "github.com/alanyang/delegate-broker/internal/port/broadcast"
	portconn "github.com/alanyang/delegate-broker/internal/port/connection"
	portidempotency "github.com/alanyang/delegate-broker/internal/port/idempotency"
	portlocker "github.com/alanyang/delegate-broker/internal/port/locker"
	portprofile "github.com/alanyang/delegate-broker/internal/port/profile"
	portselectormap "github.com/alanyang/delegate-broker/internal/port/selectormap"
	portslot "github.com/alanyang/delegate-broker/internal/port/slot"
	porttask "github.com/alanyang/delegate-broker/internal/port/task"
	portwhitelist "github.com/alanyang/delegate-broker/internal/port/whitelist"
	"github.com/alanyang/delegate-broker/internal/service/capability"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/response"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/service/slot"
	"github.com/alanyang/delegate-broker/internal/service/validation"
	"github.com/alanyang/delegate-broker/internal/transport"
	agenthandler "github.com/alanyang/delegate-broker/internal/transport/agent"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
	mcptransport "github.com/alanyang/delegate-broker/internal/transport/mcp"
	taskhandler "github.com/alanyang/delegate-broker/internal/transport/task"
	wshandler "github.com/alanyang/delegate-broker/internal/transport/ws"
)

// App holds the top-level resources needed to run and gracefully stop the broker.
type App struct {
	Server *http.Server

	sweeper *sweeper
	subs    []portbroadcast.Subscription
	closers []func()
}

// stores is the set of persistence ports a backend provides.
type stores struct {
	agents       portagent.Repository
	conns        portconn.Repository
	tasks        porttask.Repository
	slots        portslot.Repository
	profiles     portprofile.Repository
	selectorMaps portselectormap.Repository
	idempotency  portidempotency.Repository
	locker       portlocker.AdvisoryLocker
	bus          portbroadcast.Broadcaster
	close        func()
}

// Build is the composition root: the only place concrete types are wired to their
// interface dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{}

	// ── Store ────────────────────────────────────────────────────────────────
	st, err := openStores(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, st.close)

	// ── Shared state ─────────────────────────────────────────────────────────
	var whitelist portwhitelist.Cache = memory.NewWhitelistCache(cfg.Whitelist.MaxEntries, cfg.Whitelist.TTL)
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		app.closers = append(app.closers, func() { rdb.Close() })
		st.bus = redisadapter.NewBroadcaster(rdb)
		whitelist = redisadapter.NewWhitelistCache(rdb, cfg.Whitelist.TTL)
	}

	// ── Collaborators ────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	alerts := alertsink.NewSink(m, cfg.Alerts.MinInterval)
	flagSet := flags.NewStatic(cfg.Flags, cfg.AccountFlags)
	eval := evaluator.New(evaluator.StaticSecrets(cfg.Secrets))
	callbacks := callback.New(&http.Client{Timeout: cfg.Callbacks.Timeout}, callback.Options{
		Endpoints:      cfg.Callbacks.Endpoints,
		Timeout:        cfg.Callbacks.Timeout,
		Attempts:       cfg.Callbacks.Attempts,
		RatePerSecond:  cfg.Callbacks.RatePerSecond,
		Burst:          cfg.Callbacks.Burst,
		BreakerTimeout: cfg.Callbacks.BreakerTimeout,
	}, m)

	var verifier httpx.AccountVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	}

	// ── Services ─────────────────────────────────────────────────────────────
	registrySvc := registry.NewService(st.agents, st.conns, st.bus, alerts, m, registry.Config{
		HeartbeatTTL:       cfg.Agents.HeartbeatTTL,
		SameLocationWindow: cfg.Duplicates.SameLocationWindow,
	})
	resolver := capability.NewResolver(st.selectorMaps, st.profiles, registrySvc)

	waits := response.NewWaitRegistry()
	router := response.NewRouter(st.tasks, resolver, whitelist, waits, st.bus, callbacks, m)

	ceilings := make(map[domaintask.Rank]int, len(cfg.Admission.Ceilings))
	for rank, n := range cfg.Admission.Ceilings {
		ceilings[domaintask.Rank(rank)] = n
	}
	schedulerSvc := scheduler.NewService(st.tasks, registrySvc, resolver, eval, flagSet, st.bus, alerts, router, waits, m,
		scheduler.Config{AdmissionEnforce: cfg.Admission.Enforce, Ceilings: ceilings})

	coordinator := validation.NewCoordinator(st.tasks, resolver, whitelist, flagSet, schedulerSvc, router, alerts, m,
		cfg.Validation.Timeout)

	allocator := slot.NewAllocator(st.agents, st.slots, registrySvc, m, slot.Config{
		Staleness:       cfg.Slots.Staleness,
		Attempts:        cfg.Slots.Attempts,
		RequireApproval: cfg.Agents.RequireApproval,
	})

	// ── Notice fan-out ───────────────────────────────────────────────────────
	agentHub := hub.New(cfg.Server.PollBuffer, m)
	hubSub, err := agentHub.Start(ctx, st.bus)
	if err != nil {
		app.Close()
		return nil, err
	}
	respSub, err := router.Start(ctx)
	if err != nil {
		hubSub.Unsubscribe()
		app.Close()
		return nil, err
	}
	app.subs = append(app.subs, hubSub, respSub)

	// ── Transport ────────────────────────────────────────────────────────────
	handlers := transport.Handlers{
		Agents:      agenthandler.NewHandler(registrySvc, allocator, schedulerSvc, agentHub),
		Tasks:       taskhandler.NewHandler(schedulerSvc, coordinator, router, registrySvc, resolver, cfg.Server.SyncWaitMax),
		Metrics:     promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Idempotency: st.idempotency,
		Auth:        verifier,
	}
	if cfg.Server.EnableStream {
		handlers.WS = wshandler.NewHandler(agentHub, registrySvc)
	}
	if cfg.Server.EnableMCP {
		mcpServer := mcptransport.New(mcptransport.NewSessionRegistry(), mcptransport.Deps{
			Registry:   registrySvc,
			Scheduler:  schedulerSvc,
			Validation: coordinator,
			Router:     router,
			Hub:        agentHub,
		})
		handlers.MCP = mcpServer.Handler()
	}

	app.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           transport.NewRouter(handlers),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	app.sweeper = &sweeper{
		locker:     st.locker,
		tasks:      schedulerSvc,
		validation: coordinator,
		conns:      registrySvc,
		keys:       st.idempotency,
		retention:  cfg.Sweeper.IdempotencyRetention,
		interval:   cfg.Sweeper.Interval,
		now:        time.Now,
	}

	slog.Info("application wired", "port", cfg.Server.Port, "store", cfg.Store.Driver, "redis", cfg.Redis.Addr != "")
	return app, nil
}

// StartBackground launches the sweeper. It stops when ctx is cancelled.
func (a *App) StartBackground(ctx context.Context) {
	go a.sweeper.run(ctx)
}

// Close releases subscriptions and backend connections in reverse order.
func (a *App) Close() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Migrate prepares the configured store's schema and closes it again.
func Migrate(ctx context.Context, cfg config.StoreConfig) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	st.close()
	slog.InfoContext(ctx, "store schema ready", "driver", cfg.Driver)
	return nil
}

func openStores(ctx context.Context, cfg config.StoreConfig) (stores, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgdb.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return stores{}, fmt.Errorf("connecting to database: %w", err)
		}
		if err := pgdb.Migrate(ctx, pool); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("migrating database: %w", err)
		}
		return stores{
			agents:       pgagent.New(pool),
			conns:        pgconnection.New(pool),
			tasks:        pgtask.New(pool),
			slots:        pgslot.New(pool),
			profiles:     pgprofile.New(pool),
			selectorMaps: pgselectormap.New(pool),
			idempotency:  pgidempotency.New(pool),
			locker:       pglocker.New(pool),
			bus:          pgeventbus.New(pool),
			close:        pool.Close,
		}, nil

	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return stores{}, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return stores{}, fmt.Errorf("opening sqlite store: %w", err)
		}
		return stores{
			agents:       db.Agents(),
			conns:        db.Connections(),
			tasks:        db.Tasks(),
			slots:        db.Slots(),
			profiles:     db.Profiles(),
			selectorMaps: db.SelectorMaps(),
			idempotency:  db.Idempotency(),
			locker:       memory.NewLocker(),
			bus:          memory.NewBroadcaster(),
			close:        func() { db.Close() },
		}, nil
	}
}
