// Command sentinel runs the admission proxy: it terminates inbound
// traffic, runs it through the rate-limit/anomaly-detection/mitigation
// pipeline, and forwards admitted requests to the configured backend. A
// second listener serves the operator admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sentinel-proxy/sentinel/admin"
	"github.com/sentinel-proxy/sentinel/alerts"
	"github.com/sentinel-proxy/sentinel/config"
	"github.com/sentinel-proxy/sentinel/detection"
	"github.com/sentinel-proxy/sentinel/geoip"
	"github.com/sentinel-proxy/sentinel/metrics"
	"github.com/sentinel-proxy/sentinel/mitigation"
	"github.com/sentinel-proxy/sentinel/proxy"
	"github.com/sentinel-proxy/sentinel/ratelimit"
	"github.com/sentinel-proxy/sentinel/rules"
	"github.com/sentinel-proxy/sentinel/storage"
	"github.com/sentinel-proxy/sentinel/store"
	"github.com/sentinel-proxy/sentinel/store/memory"
	redisstore "github.com/sentinel-proxy/sentinel/store/redis"
)

var startedAt = time.Now()

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg)
	defer log.Sync()

	log.Info("starting sentinel",
		zap.String("version", version),
		zap.String("target", cfg.TargetURL),
		zap.String("protection_level", string(cfg.ProtectionLevel)),
	)

	kv := newStore(cfg, log)
	limiter := ratelimit.New(kv, cfg.RateLimitPerIP, cfg.RateLimitPerSubnet, cfg.RateLimitGlobal)
	blocker := mitigation.NewBlocker(kv, log)
	challenge := mitigation.NewChallengeManager(cfg.JWTSecret)

	baseline := detection.NewBaseline(time.Duration(cfg.BaselineLearningHours) * time.Hour)
	behavior := detection.NewBehaviorAnalyzer()
	scorer := detection.NewHeuristicScorer()
	mlModel := detection.NewMLModel(detection.DefaultMLModelConfig(), log)
	engine := detection.NewEngine(baseline, behavior, scorer, mlModel)

	rulesEngine := rules.NewEngine(log)
	if n := rulesEngine.LoadDirectory(cfg.RulesDir); n > 0 {
		log.Info("loaded rule files", zap.Int("count", n), zap.String("dir", cfg.RulesDir))
	}

	geo := geoip.NewResolver(cfg.GeoIPDBPath, log)
	defer geo.Close()

	attackStore := newAttackStore(cfg, log)
	defer attackStore.Close()

	alertMgr := newAlertManager(cfg, log)
	coll := metrics.NewCollector()

	pipeline, err := proxy.New(cfg, log, limiter, blocker, challenge, engine, rulesEngine, geo, attackStore, alertMgr, coll)
	if err != nil {
		log.Fatal("building pipeline", zap.Error(err))
	}

	learnCtx, stopLearning := context.WithCancel(context.Background())
	defer stopLearning()
	go engine.RunLearnLoop(learnCtx, 60*time.Second)

	proxySrv := &http.Server{
		Addr:              cfg.Host + ":" + portString(cfg.Port),
		Handler:           pipeline,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.ProxyTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	adminSrv := &http.Server{
		Addr: cfg.Host + ":" + portString(cfg.Port+1),
		Handler: admin.New(admin.Dependencies{
			Pipeline:  pipeline,
			StartedAt: startedAt,
			Version:   version,
		}, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go runServer(log, "proxy", proxySrv)
	go runServer(log, "admin", adminSrv)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown requested", zap.String("signal", sig.String()))

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range []*http.Server{proxySrv, adminSrv} {
		if err := s.Shutdown(shCtx); err != nil {
			log.Warn("server shutdown did not complete in time, forcing close", zap.Error(err))
			_ = s.Close()
		}
	}
	log.Info("sentinel exited")
}

func runServer(log *zap.Logger, name string, srv *http.Server) {
	log.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server stopped unexpectedly", zap.String("server", name), zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(mapLogLevel(cfg.LogLevel)); err == nil {
		zcfg.Level = lvl
	}
	log, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}

// mapLogLevel translates the original application's "warning"/"critical"
// level names (kept in config for backward-compatible env vars) to zap's
// "warn"/"fatal" vocabulary.
func mapLogLevel(level string) string {
	switch level {
	case "warning":
		return "warn"
	case "critical":
		return "fatal"
	default:
		return level
	}
}

func newStore(cfg *config.Config, log *zap.Logger) store.Store {
	if cfg.RedisURL == "" {
		log.Info("no redis url configured, using in-memory store")
		return memory.New()
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("invalid redis url, falling back to in-memory store", zap.Error(err))
		return memory.New()
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis not reachable, falling back to in-memory store", zap.Error(err))
		return memory.New()
	}
	log.Info("using redis store", zap.String("addr", opts.Addr))
	return redisstore.New(client)
}

func newAttackStore(cfg *config.Config, log *zap.Logger) storage.Store {
	if cfg.DatabaseURL == "" {
		return storage.NewNoopStore()
	}
	s, err := storage.NewSQLiteStore(cfg.DatabaseURL, log)
	if err != nil {
		log.Warn("failed to open attack log database, continuing without persistence", zap.Error(err))
		return storage.NewNoopStore()
	}
	return s
}

func newAlertManager(cfg *config.Config, log *zap.Logger) *alerts.Manager {
	var dispatchers []alerts.Dispatcher
	if cfg.WebhookURL != "" {
		dispatchers = append(dispatchers, alerts.NewWebhookDispatcher(cfg.WebhookURL, log))
	}
	return alerts.NewManager(log, dispatchers...)
}

func portString(port int) string {
	return strconv.Itoa(port)
}
