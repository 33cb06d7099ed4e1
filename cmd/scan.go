package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/browser"
	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/httpclient"
	"github.com/xkilldash9x/domscout/internal/observability"
	"github.com/xkilldash9x/domscout/internal/orchestrator"
	"github.com/xkilldash9x/domscout/internal/pool"
	"github.com/xkilldash9x/domscout/internal/sinks"
	"github.com/xkilldash9x/domscout/internal/soft404"
)

// newSpawner is swapped out in tests so no browser is needed.
var newSpawner = browser.NewSpawner

// newScanCmd creates and configures the `scan` command.
func newScanCmd(provider storeProvider) *cobra.Command {
	var (
		poolSize  int
		maxPages  int
		scope     string
		sinkNames []string
	)

	scanCmd := &cobra.Command{
		Use:   "scan [targets...]",
		Short: "Crawls the targets in a browser pool and traces where their inputs land",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			// Flags override the file and environment only when given.
			flags := cmd.Flags()
			if flags.Changed("pool-size") {
				cfg.Pool.Size = poolSize
			}
			if flags.Changed("sinks") {
				cfg.Sinks.Enabled = sinkNames
			}
			cfg.Scan.Targets = normalizeTargets(args)
			cfg.Scan.MaxPages = maxPages
			cfg.Scan.Scope = scope
			cfg.Scan.Output, _ = flags.GetString("output")
			cfg.Scan.Taint, _ = flags.GetString("taint")
			cfg.Scan.Injector, _ = flags.GetString("injector")
			cfg.Scan.ResumeID, _ = flags.GetString("resume")
			if err := cfg.Validate(); err != nil {
				return err
			}

			report, err := runScan(ctx, logger, cfg, provider)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Scan aborted gracefully")
					return fmt.Errorf("scan aborted by user signal: %w", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			printSinks(out, report)
			if cfg.Scan.Output != "" {
				if err := writeReport(report, cfg.Scan.Output); err != nil {
					return err
				}
				logger.Info("Report written.", zap.String("path", cfg.Scan.Output))
			}
			fmt.Fprintf(out, "\nScan Complete. Scan ID: %s\n", report.ScanID)
			return nil
		},
	}

	scanCmd.Flags().StringP("output", "o", "", "Output file path for the JSON report. If unset, no report is written.")
	scanCmd.Flags().IntVar(&maxPages, "max-pages", 0, "Stop after this many pages (0 means no limit).")
	scanCmd.Flags().StringVar(&scope, "scope", "strict", "Link scope: 'strict' (same host) or 'subdomain'.")
	scanCmd.Flags().StringSliceVar(&sinkNames, "sinks", nil, "Sink categories to trace, or 'all'. (Overrides config/env)")
	scanCmd.Flags().String("taint", "", "Also trace this taint marker through every explored page.")
	scanCmd.Flags().String("injector", "", "JavaScript evaluated before each taint trace, with the taint in scope.")
	scanCmd.Flags().String("resume", "", "Load the sink state of an earlier scan ID before crawling (needs a database).")
	scanCmd.Flags().IntVarP(&poolSize, "pool-size", "j", 0, "Number of browser workers. (Overrides config/env)")

	return scanCmd
}

// scanComponents holds initialized services.
type scanComponents struct {
	Metrics      *observability.PoolMetrics
	Client       *httpclient.Client
	Registry     *sinks.Registry
	Pool         *pool.Pool
	Orchestrator *orchestrator.Orchestrator
	cleanup      []func()
}

// Shutdown releases everything in reverse order of creation.
func (sc *scanComponents) Shutdown() {
	for i := len(sc.cleanup) - 1; i >= 0; i-- {
		sc.cleanup[i]()
	}
	sc.cleanup = nil
}

// runScan wires the components for cfg and crawls cfg.Scan.Targets.
func runScan(ctx context.Context, logger *zap.Logger, cfg *config.Config, provider storeProvider) (*orchestrator.Report, error) {
	scanID := uuid.New().String()
	logger.Info("Starting new scan",
		zap.String("scanID", scanID),
		zap.Strings("targets", cfg.Scan.Targets),
		zap.Int("pool_size", cfg.Pool.Size),
		zap.String("scope", cfg.Scan.Scope),
	)

	components, err := initializeScanComponents(ctx, cfg, logger, provider)
	if components != nil {
		defer components.Shutdown()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scan components: %w", err)
	}

	report, err := components.Orchestrator.StartScan(ctx, cfg.Scan.Targets, scanID)
	if err != nil {
		return nil, err
	}
	logger.Info("Scan execution completed successfully",
		zap.String("scanID", scanID),
		zap.Int64("requests", components.Client.RequestCount()),
		zap.Float64("seconds_per_job", report.Statistics.SecondsPerJob))
	return report, nil
}

// initializeScanComponents handles dependency injection. The returned
// components are non-nil whenever something needs shutting down.
func initializeScanComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, provider storeProvider) (*scanComponents, error) {
	components := &scanComponents{}

	// 1. Metrics
	metrics, err := observability.NewPoolMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	components.Metrics = metrics
	if cfg.Metrics.Enabled {
		metricsCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Listen, cfg.Metrics.Path); err != nil {
				logger.Warn("Metrics endpoint stopped.", zap.Error(err))
			}
		}()
		components.cleanup = append(components.cleanup, func() { stop(); <-done })
	}

	// 2. HTTP client
	client, err := httpclient.New(cfg.Network)
	if err != nil {
		return components, fmt.Errorf("failed to create http client: %w", err)
	}
	components.Client = client

	// 3. Sink tracing
	sinkCfg, all := cfg.Sinks, false
	sinkCfg.Enabled = nil
	for _, name := range cfg.Sinks.Enabled {
		if strings.EqualFold(name, "all") {
			all = true
			continue
		}
		sinkCfg.Enabled = append(sinkCfg.Enabled, name)
	}
	registry, err := sinks.NewRegistry(sinkCfg, nil, client)
	if err != nil {
		return components, fmt.Errorf("failed to create sink registry: %w", err)
	}
	if all {
		registry.EnableAll()
	}
	registry.OnClassified(func(c sinks.Classification) {
		for _, s := range c.Sinks {
			if s != sinks.Traced {
				metrics.ObserveSink(string(s))
			}
		}
	})
	components.Registry = registry

	// 4. Soft 404 detection
	var notFound orchestrator.NotFoundMatcher
	if cfg.Soft404.Enabled {
		detector := soft404.New(cfg.Soft404, client)
		detector.OnMatch(func(url string, matched bool) { metrics.ObserveSoft404(matched) })
		notFound = detector
	}

	// 5. Persistence
	var repo orchestrator.SinkRepository
	switch {
	case cfg.Database.URL != "":
		r, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return components, fmt.Errorf("failed to initialize store: %w", err)
		}
		if cleanup != nil {
			components.cleanup = append(components.cleanup, cleanup)
		}
		repo = r
	case cfg.Scan.ResumeID != "":
		return components, fmt.Errorf("--resume needs a database (DOMSCOUT_DATABASE_URL)")
	}

	// 6. Browser pool
	p, err := pool.New(ctx, cfg.Pool, newSpawner(cfg.Browser, logger),
		pool.WithLogger(logger),
		pool.WithSinks(registry),
	)
	if err != nil {
		return components, fmt.Errorf("failed to start browser pool: %w", err)
	}
	instrumentPool(p, metrics)
	components.Pool = p
	components.cleanup = append(components.cleanup, func() {
		// An interrupted scan does not wait for running jobs.
		p.Shutdown(ctx.Err() == nil)
	})

	// 7. Orchestrator
	orch, err := orchestrator.New(cfg, logger, p, registry, client, notFound, repo)
	if err != nil {
		return components, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	components.Orchestrator = orch

	return components, nil
}

// instrumentPool feeds pool activity into metrics.
func instrumentPool(p *pool.Pool, metrics *observability.PoolMetrics) {
	p.OnQueue(func(j *pool.Job) {
		metrics.ObserveQueued(j.Category())
		metrics.SetQueueDepth(p.Statistics().QueueDepth)
	})
	p.OnPop(func(*pool.Job) {
		metrics.SetQueueDepth(p.Statistics().QueueDepth)
	})
	p.OnJobDone(func(j *pool.Job) {
		kind := string(j.Kind())
		metrics.ObserveFinished(kind, j.Elapsed(), j.TimedOut())
		if j.Failed() {
			metrics.ObserveFailed(kind)
		}
	})
}

// normalizeTargets gives scheme-less targets an https:// scheme.
func normalizeTargets(targets []string) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		if !strings.HasPrefix(t, "http://") && !strings.HasPrefix(t, "https://") {
			t = "https://" + t
		}
		out[i] = t
	}
	return out
}

// printSinks writes one line per input that carries at least one sink.
func printSinks(w io.Writer, report *orchestrator.Report) {
	if len(report.Sinks) == 0 {
		fmt.Fprintln(w, "No input sinks found.")
		return
	}
	for _, s := range report.Sinks {
		names := make([]string, len(s.Sinks))
		for i, n := range s.Sinks {
			names[i] = strings.ReplaceAll(n, "_", " ")
		}
		fmt.Fprintf(w, "[%s] %s %s input %q: %s\n",
			s.Type, s.Method, s.Action, s.Input, strings.Join(names, ", "))
	}
}

// writeReport writes the report as indented JSON.
func writeReport(report *orchestrator.Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report to JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return nil
}
