package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"coldchain/internal/api"
	"coldchain/internal/config"
	"coldchain/internal/dispatch"
	"coldchain/internal/distance"
	"coldchain/internal/emergency"
	"coldchain/internal/metrics"
	"coldchain/internal/monitor"
	"coldchain/internal/notify"
	"coldchain/internal/opt"
	"coldchain/internal/scheduler"
	"coldchain/internal/store"
	"coldchain/internal/telemetry"
	"coldchain/internal/webhooks"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("env: %v", err)
	}
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics.RegisterDefault()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}

	// Live fleet state, relayed across instances when Redis is configured.
	broker := monitor.NewBroker(uuid.NewString())
	mon := monitor.New(broker)
	if rdb != nil {
		relay := monitor.NewRedisRelay(rdb)
		relay.Prefix = cfg.Redis.RelayPrefix
		broker.SetRelay(relay, ctx.Done())
		go func() {
			if err := relay.Run(ctx, broker); err != nil {
				log.Printf("monitor: relay stopped: %v", err)
			}
		}()
		positions := monitor.NewRedisPositions(rdb)
		positions.Key = cfg.Redis.PositionsKey
		mon.SetPositions(positions, ctx.Done())
	}

	broker.AddSink("audit", auditSink, ctx.Done())

	// Distances: cached routing API when keyed, geodesic estimates otherwise.
	var primary distance.Provider
	if cfg.Distance.ORSAPIKey != "" {
		ors, err := distance.NewORS(cfg.Distance.ORSAPIKey)
		if err != nil {
			return err
		}
		primary = ors
	}
	var remote distance.Store
	if rdb != nil {
		remote = distance.NewRedisCache(rdb, cfg.Distance.CacheTTL)
	}
	dist := distance.NewRouted(primary, distance.Geodesic{SpeedKmh: cfg.Optimizer.AverageSpeedKmh}, remote, cfg.Distance.CacheEntries)

	engine := opt.NewEngine(opt.NewSequencer(cfg.SequencerParams(), dist, cfg.Scorer()), cfg.Optimizer.ShiftStart, cfg.Location())

	hooks := webhooks.NewPublisher(st, cfg.Webhooks.Subscriptions)
	notifier := newNotifier(cfg, hooks)

	locks := dispatch.NewLocks()
	ds := dispatch.NewService(st, engine, locks)
	ds.Runs = opt.NewRunLog(cfg.Optimizer.RunHistory)
	ds.Events = mon
	ds.Hooks = hooks
	ds.LockWait = cfg.Optimizer.LockWait

	es := emergency.NewService(st, engine, locks)
	es.Positions = mon
	es.Notifier = notifier
	es.Events = mon
	es.Hooks = hooks
	es.TopN = cfg.Emergency.TopN
	es.StopMinutes = cfg.Emergency.StopMinutes
	es.IncidentPenalty = cfg.Emergency.IncidentPenalty
	es.LockWait = cfg.Optimizer.LockWait

	tc := cfg.Telemetry
	te := telemetry.NewEngine(tc.Bands, tc.Rules, tc.Cooldown)
	te.StaleAfter = tc.StaleAfter
	te.Zone = telemetry.VehicleZones(st, cfg.Location(), tc.ZoneCacheTTL)
	te.Alerts = st
	te.Publisher = mon
	te.Emergency = es
	te.Quarantine = telemetry.NewQuarantine(tc.QuarantineSize)
	te.History = telemetry.NewHistoryWriter(st, tc.History.Queue, tc.History.Batch, tc.History.FlushEvery)
	histCtx, stopHistory := context.WithCancel(context.Background())
	histDone := make(chan struct{})
	go func() {
		defer close(histDone)
		te.History.Run(histCtx)
	}()

	sch := scheduler.New(cfg.Location())
	jobs := []scheduler.Job{
		{Name: "recurring_orders", Spec: cfg.Schedules.RecurringOrders, Timeout: 5 * time.Minute,
			Run: scheduler.RecurringOrders(st, cfg.Location(), cfg.Schedules.RecurringAhead, time.Now)},
		{Name: "sensor_watch", Spec: cfg.Schedules.SensorWatch, Timeout: time.Minute, Run: scheduler.SensorWatch(te)},
		{Name: "webhook_delivery", Spec: cfg.Schedules.WebhookDelivery, Timeout: 2 * time.Minute,
			Run: scheduler.WebhookDelivery(webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts))},
	}
	for _, j := range jobs {
		if err := sch.Add(j); err != nil {
			return err
		}
	}

	srv := api.NewServer(st, ds, es, te, mon)
	srv.Scheduler = sch
	srv.Limiter = api.NewLimiter(cfg.Server.RateRPS, cfg.Server.RateBurst)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           logMiddleware(srv.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sch.Start()
	errc := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := sch.Stop(shutdownCtx); err != nil {
		log.Printf("scheduler stop: %v", err)
	}
	stopHistory()
	<-histDone
	notifier.Wait()
	return nil
}

// openStore uses Postgres when a database URL is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Printf("store=memory")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	log.Printf("store=postgres migrate=%v", cfg.Database.Migrate)
	return pg, func() { _ = pg.Close() }, nil
}

// newNotifier routes customer notifications by channel: slack when a webhook
// URL is configured, signed outbound webhooks for "webhook", the log for
// everything else.
func newNotifier(cfg *config.Config, hooks *webhooks.Publisher) *notify.Async {
	routes := map[string]notify.Notifier{"webhook": notify.Webhook{Emitter: hooks}}
	if cfg.Notify.SlackWebhookURL != "" {
		routes["slack"] = notify.Slack{WebhookURL: cfg.Notify.SlackWebhookURL, Username: "coldchain"}
	}
	router := notify.Router{Routes: routes, Default: notify.Log{}}
	return notify.NewAsync(notify.NewThrottled(router, cfg.Notify.RatePerSecond, cfg.Notify.Burst), cfg.Notify.Timeout)
}

// auditSink logs alert and emergency traffic once, from the shared channels.
func auditSink(evt monitor.Event) error {
	switch evt.Channel {
	case monitor.ChannelAlerts, monitor.ChannelEmergency:
		log.Printf("audit channel=%s type=%s origin=%s", evt.Channel, evt.Type, evt.Origin)
	}
	return nil
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v req_id=%s", r.RemoteAddr, r.Method, r.URL.Path, dur, w.Header().Get("X-Request-Id"))
	})
}
