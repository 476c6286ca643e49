package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/cachalot1984/ah-apmon/core"
	"github.com/cachalot1984/ah-apmon/internal/collector"
	"github.com/cachalot1984/ah-apmon/internal/config"
	"github.com/cachalot1984/ah-apmon/internal/coordinator"
	"github.com/cachalot1984/ah-apmon/internal/history"
	"github.com/cachalot1984/ah-apmon/internal/logging"
	"github.com/cachalot1984/ah-apmon/internal/observability"
	"github.com/cachalot1984/ah-apmon/internal/sim"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to a JSON tuning file (optional)")
	fleetPath := flag.String("fleet", "configs/fleet.json", "Path to the simulated fleet definition")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for /metrics and /coordinates (overrides config)")
	mode := flag.String("mode", "auto", "Initial coordination mode: auto, manual, or random")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error(ctx, "failed to load config", logging.String("path", *configPath), logging.String("error", err.Error()))
			os.Exit(1)
		}
		cfg = loaded
	}

	metrics, err := observability.NewMonitorCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	fleet, err := sim.LoadFleetFile(*fleetPath)
	if err != nil {
		log.Error(ctx, "failed to load fleet", logging.String("path", *fleetPath), logging.String("error", err.Error()))
		os.Exit(1)
	}

	store := core.NewMeasurementStore(core.StoreConfig{
		SmoothingWindow: cfg.GetSmoothingWindow(),
		Staleness:       cfg.GetStaleness(),
	})

	var sink coordinator.HistorySink
	var historyDB *history.DB
	if path := cfg.GetHistoryPath(); path != "" {
		historyDB, err = history.Open(path)
		if err != nil {
			log.Error(ctx, "failed to open history database", logging.String("path", path), logging.String("error", err.Error()))
			os.Exit(1)
		}
		defer historyDB.Close()
		sink = historyDB
		log.Info(ctx, "recording placement history", logging.String("path", path))
	}

	coord := coordinator.New(coordinator.Config{
		Debounce:      cfg.GetDebounce(),
		RandomExtentM: cfg.GetRandomExtentM(),
		Estimator: core.EstimatorConfig{
			Ordering:         core.OrderingPolicy(cfg.GetOrdering()),
			PreferredBandGHz: cfg.GetPreferredBandGHz(),
		},
	}, store, log, metrics, sink)
	coord.SetMode(coordinator.Mode(*mode))
	store.OnChange(coord.Touch)

	runner := collector.NewRunner(collector.Config{
		PollInterval:     cfg.GetPollInterval(),
		DiscoverInterval: cfg.GetDiscoverInterval(),
		OfflineThreshold: cfg.GetOfflineThreshold(),
	}, store, fleet, fleet, log, metrics)

	addr := cfg.GetMetricsAddr()
	if *metricsAddr != "" {
		addr = *metricsAddr
	}
	httpSrv := serveHTTP(addr, metrics, coord, log)

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		if err := coord.Run(stopCtx); err != nil && stopCtx.Err() == nil {
			log.Error(ctx, "coordinator exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(ctx, "monitoring fleet",
		logging.String("fleet", *fleetPath),
		logging.String("mode", string(coord.CurrentMode())))
	if err := runner.Run(stopCtx); err != nil && stopCtx.Err() == nil {
		log.Error(ctx, "collector exited", logging.String("error", err.Error()))
	}

	log.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
}

// serveHTTP exposes Prometheus metrics plus the renderer-facing coordinate
// map.
func serveHTTP(addr string, metrics *observability.MonitorCollector, coord *coordinator.Coordinator, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/coordinates", func(w http.ResponseWriter, r *http.Request) {
		type coordJSON struct {
			X          float64 `json:"x"`
			Y          float64 `json:"y"`
			Provenance string  `json:"provenance"`
		}
		placement := coord.CurrentPlacement()
		out := struct {
			Mode        string               `json:"mode"`
			Coordinates map[string]coordJSON `json:"coordinates"`
			Unplaced    []string             `json:"unplaced"`
		}{
			Mode:        string(coord.CurrentMode()),
			Coordinates: make(map[string]coordJSON, len(placement.Coordinates)),
		}
		for id, c := range placement.Coordinates {
			out.Coordinates[string(id)] = coordJSON{X: c.X, Y: c.Y, Provenance: string(c.Provenance)}
		}
		for _, id := range placement.Unplaced {
			out.Unplaced = append(out.Unplaced, string(id))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "http server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving metrics and coordinates", logging.String("addr", addr))
	return srv
}
