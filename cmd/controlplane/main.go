package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/mesh-control/internal/api"
	"github.com/Sh00ty/mesh-control/internal/breaker"
	"github.com/Sh00ty/mesh-control/internal/discovery/etcdv3"
	"github.com/Sh00ty/mesh-control/internal/gateway"
	"github.com/Sh00ty/mesh-control/internal/lbstate"
	"github.com/Sh00ty/mesh-control/internal/metrics"
	"github.com/Sh00ty/mesh-control/internal/monitor"
	"github.com/Sh00ty/mesh-control/internal/notifier"
	"github.com/Sh00ty/mesh-control/internal/outlier"
	"github.com/Sh00ty/mesh-control/internal/policy"
	"github.com/Sh00ty/mesh-control/internal/publisher"
	"github.com/Sh00ty/mesh-control/internal/registry"
	"github.com/Sh00ty/mesh-control/internal/sender"
	"github.com/Sh00ty/mesh-control/internal/status/postgres"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	NodeID      string `envconfig:"NODE_ID"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	EtcdEndpoints []string `envconfig:"ETCD_ENDPOINTS"`

	QueueAddr  string `envconfig:"QUEUE_ADDR"`
	QueueTopic string `envconfig:"QUEUE_POLICY_TOPIC"`

	DatabaseHost     string `envconfig:"DATABASE_HOST"`
	DatabaseUser     string `envconfig:"DATABASE_USER"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`

	PublisherConcurrency uint16 `envconfig:"PUBLISHER_CONCURRENCY,optional"`
	PublisherBuffer      uint32 `envconfig:"PUBLISHER_BUFFER,optional"`

	ConnectionPoolSize       int           `envconfig:"MESH_CONNECTION_POOL_SIZE,optional"`
	MaxRequestsPerConnection int           `envconfig:"MESH_CONNECTION_MAX_REQUESTS,optional"`
	OutlierConsecutiveErrors int           `envconfig:"MESH_OUTLIER_CONSECUTIVE_ERRORS,optional"`
	OutlierInterval          time.Duration `envconfig:"MESH_OUTLIER_INTERVAL,optional"`
	BaseEjectionTime         time.Duration `envconfig:"MESH_OUTLIER_BASE_EJECTION_TIME,optional"`

	HealthCheckInterval  time.Duration `envconfig:"HEALTH_CHECK_INTERVAL,optional"`
	DrainDelay           time.Duration `envconfig:"DEREGISTER_DRAIN_DELAY,optional"`
	ResendStatusInterval time.Duration `envconfig:"RESEND_STATUS_INTERVAL,optional"`
}

func (c *Config) applyDefaults() {
	if c.PublisherConcurrency == 0 {
		c.PublisherConcurrency = 4
	}
	if c.PublisherBuffer == 0 {
		c.PublisherBuffer = 1024
	}
	if c.ConnectionPoolSize == 0 {
		c.ConnectionPoolSize = 100
	}
	if c.MaxRequestsPerConnection == 0 {
		c.MaxRequestsPerConnection = 100
	}
	if c.OutlierConsecutiveErrors == 0 {
		c.OutlierConsecutiveErrors = 5
	}
	if c.OutlierInterval == 0 {
		c.OutlierInterval = 30 * time.Second
	}
	if c.BaseEjectionTime == 0 {
		c.BaseEjectionTime = 30 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.DrainDelay == 0 {
		c.DrainDelay = 5 * time.Second
	}
	if c.ResendStatusInterval == 0 {
		c.ResendStatusInterval = time.Minute
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	_ = godotenv.Load()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	appCfg.applyDefaults()
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	log.Warn().Msgf("running control plane node %s", appCfg.NodeID)

	var m metrics.Metrics = metrics.Nop{}
	if appCfg.StatsdAddr != "" {
		m = metrics.NewStatsd(appCfg.NodeID, appCfg.StatsdAddr)
	}

	disc, err := etcdv3.NewClient(ctx, appCfg.EtcdEndpoints)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init etcd discovery client")
	}
	defer disc.Close()

	pub := publisher.NewPool(
		publisher.NewKafkaWriter(appCfg.QueueAddr, appCfg.QueueTopic),
		appCfg.PublisherConcurrency,
		appCfg.PublisherBuffer,
		log.Logger,
	)
	pub.Run(ctx)
	defer pub.Close()

	breakers := breaker.NewRegistry(appCfg.BaseEjectionTime, log.Logger)
	outliers := outlier.NewTracker(log.Logger)
	lb := lbstate.NewStore()
	policies := policy.NewStore(breakers, outliers, lb, pub, policy.Defaults{
		ConnectionPoolSize:       appCfg.ConnectionPoolSize,
		MaxRequestsPerConnection: appCfg.MaxRequestsPerConnection,
		ConsecutiveErrors:        appCfg.OutlierConsecutiveErrors,
		OutlierInterval:          appCfg.OutlierInterval,
		BaseEjectionTime:         appCfg.BaseEjectionTime,
	}, log.Logger)

	healthEvents := notifier.New(256)
	defer healthEvents.Close()

	reg := registry.NewRegistry(
		disc,
		nil,
		healthEvents,
		appCfg.HealthCheckInterval,
		appCfg.DrainDelay,
		log.Logger,
	)
	if err := reg.Init(ctx); err != nil {
		log.Error().Err(err).Msg("auto-discovery failed, starting with an empty registry")
	}

	statusRepo, err := postgres.NewRepo(
		ctx,
		appCfg.DatabaseUser,
		appCfg.DatabasePassword,
		appCfg.DatabaseHost,
		appCfg.DatabasePort,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init status database repository")
	}
	defer statusRepo.Close()

	statusSender := sender.NewController(
		healthEvents.GetEventChan(),
		statusRepo,
		appCfg.ResendStatusInterval,
	)
	go statusSender.Run(ctx)

	gateways := gateway.NewStore()
	svc := api.NewService(policies, breakers, outliers, lb, reg, gateways, log.Logger)

	mon := monitor.New(monitor.Config{
		OutlierSweepInterval: appCfg.OutlierInterval,
		HealthCheckInterval:  appCfg.HealthCheckInterval,
	}, breakers, outliers, reg, lb, m, log.Logger)
	mon.Run(ctx)
	defer mon.Stop()

	serverClose := startProbeServer(svc, mon)
	defer serverClose()

	<-ctx.Done()
}

func startProbeServer(svc *api.Service, mon *monitor.Monitor) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if mon.State() != monitor.StateRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		res := svc.GetRegisteredServices()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res.Data)
	})
	srv := http.Server{
		Handler: mux,
		Addr:    "0.0.0.0:8080",
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
