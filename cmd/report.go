package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domscout/internal/config"
	"github.com/xkilldash9x/domscout/internal/observability"
	"github.com/xkilldash9x/domscout/internal/orchestrator"
	"github.com/xkilldash9x/domscout/internal/store"
)

// storeProvider defines an interface for components that can create a sink
// repository. Tests inject an in-memory one instead of a live database.
type storeProvider interface {
	// Create returns the repository, a cleanup function to release
	// resources, and an error if the creation fails.
	Create(ctx context.Context, cfg *config.Config) (orchestrator.SinkRepository, func(), error)
}

// defaultStoreProvider connects to PostgreSQL.
type defaultStoreProvider struct{}

// NewStoreProvider returns the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the database, makes sure the schema exists, and
// returns the store with a cleanup function closing the connection pool.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg *config.Config) (orchestrator.SinkRepository, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (DOMSCOUT_DATABASE_URL)")
	}

	s, closePool, err := store.Connect(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		closePool()
		return nil, nil, err
	}

	cleanup := func() {
		closePool()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}

// sinkReport is the stored sink state of one scan.
type sinkReport struct {
	ScanID    string       `json:"scan_id"`
	Generated time.Time    `json:"generated"`
	Entries   []sinkByHash `json:"entries"`
	Total     int          `json:"total"`
}

type sinkByHash struct {
	SinkHash uint64              `json:"sink_hash"`
	Inputs   map[string][]string `json:"inputs"`
}

// newReportCmd creates and configures the `report` command.
func newReportCmd(provider storeProvider) *cobra.Command {
	var scanID string
	var outputPath string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print the sink state stored for a completed scan",
		Long: `Loads the sink classifications a scan persisted to the database and
prints them grouped by element, as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runReport(ctx, logger, cfg, scanID, outputPath, provider, cmd.OutOrStdout())
		},
	}

	reportCmd.Flags().StringVar(&scanID, "scan-id", "", "The ID of the scan to report on (required)")
	_ = reportCmd.MarkFlagRequired("scan-id")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the report is printed to stdout.")

	return reportCmd
}

// runReport contains the core, testable logic for generating a report.
func runReport(
	ctx context.Context,
	logger *zap.Logger,
	cfg *config.Config,
	scanID, outputPath string,
	provider storeProvider,
	stdout io.Writer,
) error {
	logger.Info("Starting report generation", zap.String("scan_id", scanID))

	repo, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	entries, err := repo.LoadSinks(ctx, scanID)
	if err != nil {
		logger.Error("Failed to load sinks", zap.Error(err), zap.String("scan_id", scanID))
		return fmt.Errorf("failed to load scan results: %w", err)
	}

	byHash := make(map[uint64]map[string][]string)
	for _, e := range entries {
		inputs, ok := byHash[e.SinkHash]
		if !ok {
			inputs = make(map[string][]string)
			byHash[e.SinkHash] = inputs
		}
		inputs[e.Input] = append(inputs[e.Input], string(e.Sink))
	}
	report := &sinkReport{ScanID: scanID, Generated: time.Now().UTC(), Total: len(entries)}
	for hash, inputs := range byHash {
		for _, sinks := range inputs {
			sort.Strings(sinks)
		}
		report.Entries = append(report.Entries, sinkByHash{SinkHash: hash, Inputs: inputs})
	}
	sort.Slice(report.Entries, func(i, j int) bool { return report.Entries[i].SinkHash < report.Entries[j].SinkHash })

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report to JSON: %w", err)
	}
	if outputPath == "" {
		_, err := fmt.Fprintln(stdout, string(data))
		return err
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	logger.Info("Report successfully written to file", zap.String("path", outputPath))
	return nil
}
