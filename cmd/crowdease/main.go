// Command crowdease serves live and historical crowd levels for stores and
// runs one-off maintenance against the configured storage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"crowdease/internal/api"
	"crowdease/internal/config"
	"crowdease/internal/directory"
	"crowdease/internal/engine"
	"crowdease/internal/feed"
	"crowdease/internal/geocode"
	"crowdease/internal/ingest"
	"crowdease/internal/logging"
	"crowdease/internal/metrics"
	"crowdease/internal/model"
	"crowdease/internal/storage"
)

const version = "0.3.0"

var (
	configPath  = flag.String("config", "", "Path to YAML or JSON config (default: crowdease.yaml if present)")
	showVersion = flag.Bool("version", false, "Show version")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: crowdease [-config path] <command> [args]

Commands:
  serve                      run the API, ingest consumers and maintenance loop
  aggregate                  recompute historical patterns once
  sweep                      drop reports past their retention window
  resolve STORE              print the crowd level currently shown for STORE
  nearby LAT LNG [RADIUS]    list stores around a point with their crowd level
  import FILE                submit reports from a JSON, CSV or key=value file

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if *showVersion {
		fmt.Println("crowdease", version)
		return
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	mgr, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mgr, logger, args[0], args[1:]); err != nil {
		logger.Error("command failed", "command", args[0], "error", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		if _, err := os.Stat("crowdease.yaml"); err == nil {
			path = "crowdease.yaml"
		} else {
			return config.NewStaticManager(config.DefaultConfig()), nil
		}
	}
	return config.NewManager(config.ResolvePath(path))
}

func run(ctx context.Context, mgr *config.Manager, logger *slog.Logger, cmd string, args []string) error {
	switch cmd {
	case "serve":
		return serve(ctx, mgr, logger)
	case "aggregate", "sweep", "resolve", "nearby", "import":
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	cfg := mgr.Get()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	eng := engine.NewEngine(cfg, logger, metrics.NewStore(cfg.Feed.StoreLimit), feed.New(cfg.Feed.StoreLimit), store)

	switch cmd {
	case "aggregate":
		n, err := eng.Aggregate(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d patterns written\n", n)
	case "sweep":
		n, err := eng.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d reports removed\n", n)
	case "resolve":
		if len(args) != 1 {
			return errors.New("usage: crowdease resolve STORE")
		}
		data, err := eng.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s  (%s)\n", args[0], levelColor(data.Level).Sprint(data.Message), data.Source)
	case "nearby":
		return nearby(ctx, cfg, eng, args)
	case "import":
		if len(args) != 1 {
			return errors.New("usage: crowdease import FILE")
		}
		stats, err := ingest.ImportFile(ctx, args[0], ingest.NewParser(), eng, logger)
		fmt.Printf("%d lines: %s accepted, %s rejected, %d skipped\n",
			stats.Lines,
			color.GreenString("%d", stats.Accepted),
			color.RedString("%d", stats.Rejected),
			stats.Skipped)
		if err != nil {
			return err
		}
	}
	return nil
}

func nearby(ctx context.Context, cfg *config.Config, eng *engine.Engine, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: crowdease nearby LAT LNG [RADIUS]")
	}
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("lat: %w", err)
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("lng: %w", err)
	}
	radius := cfg.Directory.DefaultRadiusKm
	if len(args) == 3 {
		if radius, err = strconv.ParseFloat(args[2], 64); err != nil {
			return fmt.Errorf("radius: %w", err)
		}
	}
	dir, err := directory.Load(cfg.Directory.Path)
	if err != nil {
		return err
	}
	local := eng.Now().In(eng.Location())
	grey := color.New(color.FgHiBlack)
	found := dir.Nearby(lat, lng, radius)
	if len(found) == 0 {
		fmt.Printf("no stores within %.1f km\n", radius)
		return nil
	}
	for _, n := range found {
		data, err := eng.Resolve(ctx, n.Store.ID)
		if err != nil {
			return err
		}
		open := color.RedString("closed")
		if directory.IsOpen(n.Store.OpeningHours, local) {
			open = color.GreenString("open")
		}
		fmt.Printf("%-28s %5.2f km  %-6s %s  %s\n",
			n.Store.Name, n.DistanceKm, open,
			levelColor(data.Level).Sprint(data.Message),
			grey.Sprint(directory.TodayHours(n.Store.OpeningHours, local)))
	}
	return nil
}

func levelColor(level model.CrowdLevel) *color.Color {
	switch level {
	case model.LevelQuiet:
		return color.New(color.FgGreen)
	case model.LevelModerate:
		return color.New(color.FgYellow)
	case model.LevelBusy:
		return color.New(color.FgRed, color.Bold)
	}
	return color.New(color.FgHiBlack)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func serve(ctx context.Context, mgr *config.Manager, logger *slog.Logger) error {
	cfg := mgr.Get()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dir, err := directory.Load(cfg.Directory.Path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("store directory not found, serving without stores", "path", cfg.Directory.Path)
		dir, err = directory.New(nil)
	}
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}

	metricsStore := metrics.NewStore(cfg.Feed.StoreLimit)
	recent := feed.New(cfg.Feed.StoreLimit)
	eng := engine.NewEngine(cfg, logger, metricsStore, recent, store)

	deps := api.Deps{Engine: eng, Directory: dir, Feed: recent, Metrics: metricsStore}
	if cfg.Geocode.Enabled {
		deps.Geocoder = geocode.NewClient(cfg.Geocode, &http.Client{}, logger)
	}

	envelopes := make(chan ingest.Envelope, cfg.Ingest.ChannelBuffer)
	go ingest.Dispatch(ctx, envelopes, eng, logger)
	ingest.StartKafka(ctx, mgr, ingest.NewParser(), envelopes, logger)
	if err := ingest.StartMQTT(ctx, mgr, ingest.NewParser(), envelopes, logger); err != nil {
		logger.Error("mqtt ingest failed to start", "error", err)
	}

	if cfg.Maintenance.Enabled {
		logger.Info("maintenance enabled", "interval", cfg.Maintenance.Interval)
		eng.StartMaintenance(ctx, cfg.Maintenance.Interval)
	}
	api.Start(ctx, mgr, deps, logger, version)

	go mgr.Watch(2*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logging.SetLevel(next.LogLevel)
		logger.Info("config reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "error", err)
	}, ctx.Done())

	logger.Info("crowdease started", "version", version, "stores", dir.Len(), "storage", cfg.Storage.Driver)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
