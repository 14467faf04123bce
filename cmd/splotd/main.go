// Command splotd is the local-device runtime process: it hosts the system
// Thing, wires the Group/Timer/Pairing/Rule automation managers onto it,
// and serves a Prometheus metrics endpoint, following the same
// flag-parse/zapSetup/prometheusInit/signal-wait shape as ap.iotd's main().
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/satori/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/google/splot-local/automation/pairing"
	"github.com/google/splot-local/automation/rule"
	"github.com/google/splot-local/automation/timer"
	"github.com/google/splot-local/group"
	"github.com/google/splot-local/internal/config"
	"github.com/google/splot-local/internal/executor"
	"github.com/google/splot-local/resource"
	"github.com/google/splot-local/thing"
)

var (
	levelFlag      = flag.String("log-level", "info", "Log level [debug,info,warn,error]")
	configFlag     = flag.String("config", "", "Path to a TOML tunables overlay; empty uses built-in defaults")
	metricsAddr    = flag.String("metrics-addr", ":9120", "Address to serve /metrics on")
	workersFlag    = flag.Int("workers", 0, "Executor worker-pool size; 0 uses the configured default")
	cacheFlag      = flag.Int("link-cache-capacity", 0, "ResourceLink cache capacity; 0 uses the configured default")

	logger *zap.Logger

	metrics struct {
		thingsHosted prometheus.Gauge
	}
)

func zapSetup() *zap.Logger {
	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(*levelFlag)); err != nil {
		atom.SetLevel(zapcore.InfoLevel)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = atom
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		log.Panicf("can't zap: %s", err)
	}
	return l
}

func prometheusInit(ns *resource.Namespace) {
	metrics.thingsHosted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "splotd_things_hosted",
		Help: "Number of Things currently hosted in the resource namespace.",
	})
	prometheus.MustRegister(metrics.thingsHosted)
	metrics.thingsHosted.Set(float64(ns.Count()))

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Error("metrics server exited", zap.Error(err))
		}
	}()
}

func loadTunables() config.Tunables {
	if *configFlag == "" {
		return config.Default()
	}
	t, err := config.LoadOverlay(*configFlag)
	if err != nil {
		logger.Fatal("failed to load config overlay", zap.String("path", *configFlag), zap.Error(err))
	}
	return t
}

// newSystemThing hosts the runtime's root Thing (locator "0") with every
// automation manager attached, the same composition any other Thing could
// opt into, demonstrating how a host application wires a device up.
func newSystemThing(ns *resource.Namespace, ex executor.Executor, log *zap.Logger, tunable config.Tunables) *thing.Thing {
	root := thing.New(ex, log)
	timer.NewManager(root, ex, ns, log)
	pairing.NewManager(root, ex, ns, log, tunable)
	rule.NewManager(root, ex, ns, log)

	groupID, err := uuid.NewV4()
	if err != nil {
		log.Fatal("failed to generate system group id", zap.Error(err))
	}
	group.New(groupID.String(), root, ns, ex, log)

	ns.Host("0", root)
	return root
}

func main() {
	flag.Parse()
	logger = zapSetup()
	defer logger.Sync()

	tunable := loadTunables()

	workers := tunable.Executor.Workers
	if *workersFlag > 0 {
		workers = *workersFlag
	}
	ex := executor.NewPool(workers)

	capacity := tunable.Resource.LinkCacheCapacity
	if *cacheFlag > 0 {
		capacity = *cacheFlag
	}
	ns := resource.NewNamespace(capacity)

	newSystemThing(ns, ex, logger, tunable)
	logger.Info("system thing hosted", zap.Int("hosted_things", ns.Count()))

	prometheusInit(ns)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
}
