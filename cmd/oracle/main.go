package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eterniahub/go-price-oracle/config"
	"github.com/eterniahub/go-price-oracle/models"
	"github.com/eterniahub/go-price-oracle/notify"
	"github.com/eterniahub/go-price-oracle/pipeline"
	"github.com/eterniahub/go-price-oracle/sources"
	"github.com/eterniahub/go-price-oracle/storage"
)

func main() {
	defaultCfg := config.DefaultConfig()
	dsnDefault, _ := config.EnvString("ORACLE_POSTGRES_DSN")
	sitesDefault, _ := config.EnvString("ORACLE_SITES")
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("ORACLE_METRICS_ADDR"); ok {
		metricsDefault = value
	}
	notifyDefault := defaultCfg.NotifyURL
	if value, ok := config.EnvString("ORACLE_NOTIFY_URL"); ok {
		notifyDefault = value
	}
	snapshotDefault := defaultCfg.SnapshotDir
	if value, ok := config.EnvString("ORACLE_SNAPSHOT_DIR"); ok {
		snapshotDefault = value
	}
	parallelDefault := defaultCfg.SourceParallelism
	if value, ok, err := config.EnvInt("ORACLE_PARALLEL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid ORACLE_PARALLEL: %v\n", err)
		os.Exit(1)
	} else if ok {
		parallelDefault = value
	}
	daemonDefault := false
	if value, ok := config.EnvBool("ORACLE_DAEMON"); ok {
		daemonDefault = value
	}

	dsn := flag.String("dsn", dsnDefault, "Postgres connection string")
	sitesFile := flag.String("sites", sitesDefault, "JSON file describing storefront sources")
	inputFile := flag.String("input", "", "Replay a JSONL listings file instead of scraping")
	destCountry := flag.String("dest", defaultCfg.DestCountry, "Destination country for landed prices")
	threshold := flag.Float64("threshold", defaultCfg.MatchThreshold, "Minimum match confidence for auto-linking")
	parallelism := flag.Int("parallel", parallelDefault, "Concurrent source fetches")
	snapshotDir := flag.String("snapshot-dir", snapshotDefault, "Batch audit snapshot directory (empty disables)")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	notifyURL := flag.String("notify-url", notifyDefault, "Webhook URL for deal alerts (empty disables)")
	daemon := flag.Bool("daemon", daemonDefault, "Loop with jittered sleep between ingest cycles")
	daemonMin := flag.Int("daemon-min", defaultCfg.DaemonMinSec, "Minimum sleep between cycles (seconds)")
	daemonMax := flag.Int("daemon-max", defaultCfg.DaemonMaxSec, "Maximum sleep between cycles (seconds)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), level.Level()).Writer())

	cfg := defaultCfg
	cfg.PostgresDSN = *dsn
	cfg.DestCountry = *destCountry
	cfg.MatchThreshold = *threshold
	cfg.SourceParallelism = *parallelism
	cfg.SnapshotDir = *snapshotDir
	cfg.MetricsAddr = *metricsAddr
	cfg.NotifyURL = *notifyURL
	cfg.Daemon = *daemon
	cfg.DaemonMinSec = *daemonMin
	cfg.DaemonMaxSec = *daemonMax
	cfg.Verbose = *verbose
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	srcs, err := buildSources(*sitesFile, *inputFile, cfg, logger)
	if err != nil {
		slog.Error("building sources", slog.Any("error", err))
		os.Exit(1)
	}
	if len(srcs) == 0 {
		slog.Error("no sources configured; pass -sites or -input")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing current cycle")
	}()

	store, err := storage.New(ctx, cfg.PostgresDSN, cfg.PGMaxConns, logger)
	if err != nil {
		slog.Error("connecting to postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("ensuring schema", slog.Any("error", err))
		os.Exit(1)
	}

	var snapshots pipeline.Snapshotter
	if cfg.SnapshotDir != "" {
		s, err := pipeline.NewJSONLSnapshotter(cfg.SnapshotDir)
		if err != nil {
			slog.Error("preparing snapshot directory", slog.Any("error", err))
			os.Exit(1)
		}
		snapshots = s
	}

	var notifier pipeline.Notifier
	if cfg.NotifyURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyURL, cfg.NotifyTimeout, cfg.NotifyThrottle, logger)
	}

	p := pipeline.New(store, snapshots, notifier, cfg, logger)
	metrics := pipeline.NewMetrics()
	p.SetMetrics(metrics)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	runner := sources.NewRunner(cfg, logger, srcs...)

	exitCode := 0
	for {
		if err := runCycle(ctx, runner, p); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			slog.Error("ingest cycle failed", slog.Any("error", err))
			if !cfg.Daemon {
				exitCode = 1
				break
			}
		}
		if !cfg.Daemon {
			break
		}
		if !sleepJittered(ctx, cfg.DaemonMinSec, cfg.DaemonMaxSec) {
			break
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}
	os.Exit(exitCode)
}

// runCycle performs one gather-and-ingest pass over every source.
func runCycle(ctx context.Context, runner *sources.Runner, p *pipeline.Pipeline) error {
	started := time.Now()
	results := runner.Gather(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	listings := sources.Listings(results)
	slog.Info("sources gathered",
		slog.Int("sources", len(results)),
		slog.Int("failed", failed),
		slog.Int("listings", len(listings)),
	)

	report, err := p.Ingest(ctx, listings)
	if err != nil {
		return err
	}
	printSummary(report, time.Since(started))
	return nil
}

// siteSpec is the on-disk shape of one storefront entry. Delay is kept in
// milliseconds so the file stays plain JSON.
type siteSpec struct {
	Name         string `json:"name"`
	BaseURL      string `json:"base_url"`
	Currency     string `json:"currency"`
	UserAgent    string `json:"user_agent"`
	MaxPages     int    `json:"max_pages"`
	Parallelism  int    `json:"parallelism"`
	DelayMs      int    `json:"delay_ms"`
	ListItem     string `json:"list_item"`
	NameSel      string `json:"name_selector"`
	PriceSel     string `json:"price_selector"`
	LinkSel      string `json:"link_selector"`
	ImageSel     string `json:"image_selector"`
	NextPageSel  string `json:"next_page_selector"`
	Availability string `json:"availability_selector"`
}

func buildSources(sitesFile, inputFile string, cfg *config.Config, log *slog.Logger) ([]sources.Source, error) {
	var srcs []sources.Source
	if inputFile != "" {
		srcs = append(srcs, sources.NewFileSource(inputFile, ""))
	}
	if sitesFile == "" {
		return srcs, nil
	}

	raw, err := os.ReadFile(sitesFile)
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}
	var specs []siteSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parse sites file: %w", err)
	}
	for _, spec := range specs {
		site := sources.SiteConfig{
			Name:         spec.Name,
			BaseURL:      spec.BaseURL,
			Currency:     spec.Currency,
			UserAgent:    spec.UserAgent,
			MaxPages:     spec.MaxPages,
			Parallelism:  spec.Parallelism,
			Delay:        time.Duration(spec.DelayMs) * time.Millisecond,
			ListItem:     spec.ListItem,
			NameSel:      spec.NameSel,
			PriceSel:     spec.PriceSel,
			LinkSel:      spec.LinkSel,
			ImageSel:     spec.ImageSel,
			NextPageSel:  spec.NextPageSel,
			Availability: spec.Availability,
		}
		c, err := sources.NewCollector(site, cfg.SourceTimeout, log)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, c)
	}
	return srcs, nil
}

// sleepJittered waits a random interval in [minSec, maxSec] seconds.
// Returns false when the context is cancelled during the wait.
func sleepJittered(ctx context.Context, minSec, maxSec int) bool {
	span := maxSec - minSec
	sleep := time.Duration(minSec) * time.Second
	if span > 0 {
		sleep += time.Duration(rand.Intn(span+1)) * time.Second
	}
	slog.Info("sleeping until next cycle", slog.Duration("sleep", sleep))
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func printSummary(report *models.IngestReport, elapsed time.Duration) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Ingest cycle complete")
	fmt.Printf("  Batch:           %s\n", report.BatchID)
	fmt.Printf("  Received:        %d\n", report.Received)
	fmt.Printf("  Offers updated:  %d\n", report.OffersUpdated)
	fmt.Printf("  Linked:          %d\n", report.Linked)
	fmt.Printf("  Quarantined:     %d\n", report.Quarantined)
	fmt.Printf("  New candidates:  %d\n", report.NewCandidates)
	fmt.Printf("  Refreshed:       %d\n", report.CandidatesRefreshed)
	fmt.Printf("  Blocklisted:     %d\n", report.Blocklisted)
	fmt.Printf("  Duplicates:      %d\n", report.DuplicatesInBatch)
	fmt.Printf("  Malformed:       %d\n", report.Malformed)
	fmt.Printf("  Notifications:   %d\n", report.Notifications)
	fmt.Printf("  Duration:        %v\n", elapsed)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
