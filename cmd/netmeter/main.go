package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zwooosh/netmeter/internal/config"
	"github.com/Zwooosh/netmeter/internal/diag"
	"github.com/Zwooosh/netmeter/internal/events"
	"github.com/Zwooosh/netmeter/internal/health"
	"github.com/Zwooosh/netmeter/internal/latency"
	"github.com/Zwooosh/netmeter/internal/logging"
	"github.com/Zwooosh/netmeter/internal/manifest"
	"github.com/Zwooosh/netmeter/internal/metrics"
	"github.com/Zwooosh/netmeter/internal/netinfo"
	"github.com/Zwooosh/netmeter/internal/publish"
	"github.com/Zwooosh/netmeter/internal/schedule"
	"github.com/Zwooosh/netmeter/internal/server"
	"github.com/Zwooosh/netmeter/internal/session"
	"github.com/Zwooosh/netmeter/internal/simulate"
	"github.com/Zwooosh/netmeter/internal/throughput"
	"github.com/Zwooosh/netmeter/pkg/types"
)

// Injected via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCmd(ctx, os.Args[2:])
	case "serve":
		err = serveCmd(ctx, os.Args[2:])
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "info":
		err = infoCmd(ctx, os.Args[2:])
	case "init":
		err = initCmd(os.Args[2:])
	case "version":
		fmt.Printf("netmeter %s (%s)\n", version, commit)
		return
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "netmeter - network speed measurement engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  netmeter run [-config path] [-json] [-quiet] [-timeout 2m]")
	fmt.Fprintln(w, "  netmeter serve [-config path]")
	fmt.Fprintln(w, "  netmeter diag [-config path] [-timeout 10s] [-output file]")
	fmt.Fprintln(w, "  netmeter info [-config path]")
	fmt.Fprintln(w, "  netmeter init [-config path] [-force]")
	fmt.Fprintln(w, "  netmeter version")
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	quiet := fs.Bool("quiet", false, "Suppress phase progress output")
	timeout := fs.Duration("timeout", 0, "Abort the run after this duration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Stdout carries only the result; progress and component logs go to
	// stderr so the output stays pipeable.
	logger := logging.NewStderr()
	if *quiet {
		logger = log.New(io.Discard, "", 0)
	}

	store := metrics.NewStore()
	recorder := events.Recorder(events.NoopRecorder{})
	if !*quiet {
		recorder = events.NewLogRecorder(logger)
	}

	eng, err := buildEngine(cfg, logger, store, recorder)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, *timeout)
		defer cancel()
	}

	eng.manager.AttachNetworkInfo(runCtx)
	result, err := eng.manager.Run(runCtx)
	if err != nil {
		return err
	}

	if err := printResult(os.Stdout, result, *asJSON); err != nil {
		return err
	}
	if result.Error != "" {
		return errors.New(result.Error)
	}
	return nil
}

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// An explicitly named config must exist; only the stock path may fall
	// back to defaults.
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	load := config.LoadOrDefault
	if explicit {
		load = config.Load
	}
	cfg, err := load(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New()
	logger.Printf("netmeter %s starting (addr=%s)", version, cfg.Server.Addr)

	store := metrics.NewStore()
	hub := server.NewHub()
	recorder := events.NewMulti(events.NewLogRecorder(logger), hub)

	eng, err := buildEngine(cfg, logger, store, recorder)
	if err != nil {
		return err
	}

	manifestRequired := cfg.Manifest.URL != ""
	refreshInterval := time.Duration(cfg.Manifest.RefreshSec) * time.Second
	checker := health.NewChecker(store, manifestRequired, 3*refreshInterval)

	srv, err := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:    time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
		TriggerPerMin:  cfg.Server.TriggerPerMin,
		TriggerBurst:   cfg.Server.TriggerBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TLSCert:        cfg.Server.TLSCert,
		TLSKey:         cfg.Server.TLSKey,
	}, server.Dependencies{
		Manager: eng.manager,
		Hub:     hub,
		Metrics: store,
		Health:  checker,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	sched := schedule.New()

	var msync *manifestSync
	if manifestRequired {
		fetcher, err := manifest.NewFetcher(manifest.Config{
			URL:       cfg.Manifest.URL,
			PublicKey: cfg.Manifest.PublicKey,
		}, manifest.Dependencies{HTTPClient: eng.client, Logger: logger})
		if err != nil {
			return fmt.Errorf("init manifest fetcher: %w", err)
		}
		msync = &manifestSync{
			fetcher:  fetcher,
			manager:  eng.manager,
			checker:  checker,
			recorder: recorder,
			store:    store,
			client:   eng.client,
			logger:   logger,
			cfg:      cfg,
		}
		sched.Add(schedule.Entry{Name: "manifest-refresh", Cadence: refreshInterval, Run: msync.refresh})
	}

	if cfg.Schedule.AutoRunSec > 0 {
		skips := store.ScheduleRecorder()
		sched.Add(schedule.Entry{
			Name:    "auto-run",
			Cadence: time.Duration(cfg.Schedule.AutoRunSec) * time.Second,
			Run: func(runCtx context.Context) {
				err := eng.manager.Start(runCtx)
				if err == nil {
					return
				}
				if errors.Is(err, session.ErrBusy) {
					skips.IncScheduleSkips()
					logger.Printf("scheduled run skipped: %v", err)
					return
				}
				logger.Printf("scheduled run failed: %v", err)
			},
		})
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	grp.Go(func() error {
		if err := srv.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		sched.Start(groupCtx)
		return nil
	})

	grp.Go(func() error {
		eng.manager.AttachNetworkInfo(groupCtx)
		return nil
	})

	if msync != nil {
		grp.Go(func() error {
			msync.refresh(groupCtx)
			return nil
		})
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Printf("netmeter stopped")
	return nil
}

func infoCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := netinfo.NewClient(netinfo.Config{
		URL:     cfg.Endpoints.NetworkInfoURL,
		Timeout: time.Duration(cfg.NetworkInfo.TimeoutMs) * time.Millisecond,
	}, netinfo.Dependencies{Logger: logging.NewStderr()})
	if err != nil {
		return fmt.Errorf("init network info client: %w", err)
	}

	info, err := client.Lookup(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func initCmd(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Where to write the configuration file")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := config.WriteDefault(*configPath, *force); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *configPath)
	return nil
}

// engine bundles the measurement pipeline shared by run and serve.
type engine struct {
	cfg     config.Config
	logger  *log.Logger
	store   *metrics.Store
	manager *session.Manager
	client  *http.Client
}

func buildEngine(cfg config.Config, logger *log.Logger, store *metrics.Store, recorder events.Recorder) (*engine, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			ForceAttemptHTTP2:   true,
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
		},
	}

	runner, err := buildRunner(cfg, logger, store, recorder, httpClient)
	if err != nil {
		return nil, err
	}

	lookup, err := netinfo.NewClient(netinfo.Config{
		URL:     cfg.Endpoints.NetworkInfoURL,
		Timeout: time.Duration(cfg.NetworkInfo.TimeoutMs) * time.Millisecond,
	}, netinfo.Dependencies{HTTPClient: httpClient, Logger: logger, Metrics: store.LookupRecorder()})
	if err != nil {
		return nil, fmt.Errorf("init network info client: %w", err)
	}

	deps := session.ManagerDependencies{Runner: runner, Lookup: lookup, Logger: logger}
	if cfg.Publish.WebhookURL != "" {
		hook, err := publish.NewWebhook(publish.Config{URL: cfg.Publish.WebhookURL}, publish.Dependencies{
			HTTPClient: httpClient,
			Metrics:    store.PublishRecorder(),
		})
		if err != nil {
			return nil, fmt.Errorf("init webhook publisher: %w", err)
		}
		deps.Publisher = hook
	}

	mgr, err := session.NewManager(session.ManagerConfig{
		PublishTimeout: time.Duration(cfg.Publish.TimeoutMs) * time.Millisecond,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("init session manager: %w", err)
	}

	return &engine{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: mgr,
		client:  httpClient,
	}, nil
}

// buildRunner assembles the probe pipeline for one endpoint set. Manifest
// refreshes call it again with merged endpoints and swap the result in.
func buildRunner(cfg config.Config, logger *log.Logger, store *metrics.Store, recorder events.Recorder, client *http.Client) (*session.Runner, error) {
	var prober session.LatencyProber
	if cfg.Latency.Mode == config.LatencyModeICMP {
		p, err := latency.NewICMP(latency.ICMPConfig{
			Host:    cfg.Latency.ICMPHost,
			Samples: cfg.Latency.Samples,
			Pause:   time.Duration(cfg.Latency.PauseMs) * time.Millisecond,
			Timeout: time.Duration(cfg.Latency.TimeoutMs) * time.Millisecond,
		}, latency.ICMPDependencies{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("init icmp probe: %w", err)
		}
		prober = p
	} else {
		p, err := latency.New(latency.Config{
			URL:     cfg.Endpoints.LatencyURL,
			Samples: cfg.Latency.Samples,
			Pause:   time.Duration(cfg.Latency.PauseMs) * time.Millisecond,
			Timeout: time.Duration(cfg.Latency.TimeoutMs) * time.Millisecond,
		}, latency.Dependencies{HTTPClient: client, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("init latency probe: %w", err)
		}
		prober = p
	}

	fallback, err := simulate.New(simulate.Config{
		LowMbps:      cfg.Download.FallbackLowMbps,
		HighMbps:     cfg.Download.FallbackHighMbps,
		TickInterval: time.Duration(cfg.Simulation.TickMs) * time.Millisecond,
		ProgressStep: float64(cfg.Simulation.ProgressStep),
	}, simulate.Dependencies{})
	if err != nil {
		return nil, fmt.Errorf("init download fallback: %w", err)
	}

	download, err := throughput.New(throughput.Config{
		URL:                  cfg.Endpoints.DownloadURL,
		AssumedContentLength: cfg.Download.AssumedContentLength,
	}, throughput.Dependencies{HTTPClient: client, Fallback: fallback, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init download probe: %w", err)
	}

	upload, err := simulate.New(simulate.Config{
		LowMbps:      cfg.Upload.LowMbps,
		HighMbps:     cfg.Upload.HighMbps,
		TickInterval: time.Duration(cfg.Simulation.TickMs) * time.Millisecond,
		ProgressStep: float64(cfg.Simulation.ProgressStep),
	}, simulate.Dependencies{})
	if err != nil {
		return nil, fmt.Errorf("init upload simulator: %w", err)
	}

	runner, err := session.NewRunner(session.RunnerDependencies{
		Latency:  prober,
		Download: download,
		Upload:   upload,
		Recorder: recorder,
		Metrics:  store.SessionRecorder(),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init session runner: %w", err)
	}
	return runner, nil
}

type manifestFetcher interface {
	Fetch(ctx context.Context, etag string) (manifest.FetchResult, error)
}

type runnerSwapper interface {
	SwapRunner(runner *session.Runner) error
}

var (
	_ manifestFetcher = (*manifest.Fetcher)(nil)
	_ runnerSwapper   = (*session.Manager)(nil)
)

// manifestSync applies verified endpoint updates between runs. The etag only
// advances once an update has been applied, so a refresh deferred by an
// in-flight run is fetched and retried on the next cadence.
type manifestSync struct {
	fetcher  manifestFetcher
	manager  runnerSwapper
	checker  *health.Checker
	recorder events.Recorder
	store    *metrics.Store
	client   *http.Client
	logger   *log.Logger

	mu   sync.Mutex
	etag string
	cfg  config.Config
}

func (s *manifestSync) refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.fetcher.Fetch(ctx, s.etag)
	now := time.Now().UTC()
	if err != nil {
		s.checker.ObserveManifestSync(now, err)
		s.logger.Printf("manifest refresh failed: %v", err)
		return
	}
	if res.NotModified {
		s.checker.ObserveManifestSync(now, nil)
		return
	}

	cfg := s.cfg
	cfg.Endpoints = mergeEndpoints(cfg.Endpoints, res.Manifest.Endpoints)
	runner, err := buildRunner(cfg, s.logger, s.store, s.recorder, s.client)
	if err != nil {
		s.checker.ObserveManifestSync(now, err)
		s.logger.Printf("manifest apply failed: %v", err)
		return
	}

	if err := s.manager.SwapRunner(runner); err != nil {
		// The fetch itself succeeded; only the application waits for the
		// active run to finish.
		s.checker.ObserveManifestSync(now, nil)
		s.logger.Printf("manifest %s deferred: %v", res.Manifest.Version, err)
		return
	}

	s.cfg = cfg
	s.etag = res.ETag
	s.checker.ObserveManifestSync(now, nil)
	s.logger.Printf("manifest %s applied (latency=%s download=%s)", res.Manifest.Version, cfg.Endpoints.LatencyURL, cfg.Endpoints.DownloadURL)
}

func mergeEndpoints(current config.EndpointsConfig, update manifest.Endpoints) config.EndpointsConfig {
	if update.LatencyURL != "" {
		current.LatencyURL = update.LatencyURL
	}
	if update.DownloadURL != "" {
		current.DownloadURL = update.DownloadURL
	}
	if update.NetworkInfoURL != "" {
		current.NetworkInfoURL = update.NetworkInfoURL
	}
	return current
}

func printResult(w io.Writer, result types.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "session  %s\n", result.SessionID)
	fmt.Fprintf(w, "ping     %s\n", formatMetric(result.PingMs, "ms"))
	fmt.Fprintf(w, "jitter   %s\n", formatMetric(result.JitterMs, "ms"))
	fmt.Fprintf(w, "download %s\n", formatMetric(result.DownloadMbps, "Mbps"))
	fmt.Fprintf(w, "upload   %s\n", formatMetric(result.UploadMbps, "Mbps"))
	if result.NetworkInfo != nil {
		fmt.Fprintf(w, "network  %s (%s)\n", result.NetworkInfo.IP, result.NetworkInfo.ISP)
	}
	if result.Error != "" {
		fmt.Fprintf(w, "error    %s\n", result.Error)
	}
	return nil
}

func formatMetric(v *int, unit string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d %s", *v, unit)
}
