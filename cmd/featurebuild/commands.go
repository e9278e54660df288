package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/cache/redis"
	"github.com/session-intent/backend/internal/calibration"
	"github.com/session-intent/backend/internal/evaluation"
	"github.com/session-intent/backend/internal/pipeline"
	"github.com/session-intent/backend/internal/source/warehouse"
	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/internal/storage/sqlite"
	"github.com/session-intent/backend/pkg/config"
	appLogger "github.com/session-intent/backend/pkg/logger"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

var (
	configFile string
	logLevel   string
	noColor    bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "featurebuild",
		Short:         "Build and evaluate daily session feature tables",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			return appLogger.Init(appLogger.Options{
				Level:  logLevel,
				Format: "console",
				Output: "stderr",
				Fields: []zap.Field{zap.String("app", "featurebuild")},
			})
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (defaults to ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newBuildCmd())
	root.AddCommand(newPairsCmd())
	root.AddCommand(newCalibrateCmd())
	root.AddCommand(newEvaluateCmd())

	return root
}

func loadConfig(service string) (*config.Config, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, err
	}
	if service != "" {
		cfg.Pipeline.Service = service
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	start, err := time.Parse(pipeline.DateLayout, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	end := start
	if to != "" {
		end, err = time.Parse(pipeline.DateLayout, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", to, from)
	}
	return start, end, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newBuildCmd() *cobra.Command {
	var from, to, service string
	var noCache bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build sessions, profiles and feature rows for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseRange(from, to)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(service)
			if err != nil {
				return err
			}
			opts, err := pipeline.OptionsFromConfig(cfg)
			if err != nil {
				return err
			}

			store, err := sqlite.NewClient(cfg.SQLite.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.InitSchema(); err != nil {
				return err
			}

			loader, err := warehouse.NewLoader(warehouse.Config{
				DSN:          cfg.Warehouse.DSN,
				Service:      opts.Service,
				QueryTimeout: time.Duration(cfg.Warehouse.QueryTimeoutSec) * time.Second,
				MaxAttempts:  cfg.Warehouse.MaxAttempts,
			})
			if err != nil {
				return err
			}
			defer loader.Close()

			pipeOpts := []pipeline.Option{
				pipeline.WithSink(store),
				pipeline.WithLogger(appLogger.Named("pipeline")),
			}
			if cfg.Redis.Enabled && !noCache {
				cache, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB,
					time.Duration(cfg.Redis.TTLMinutes)*time.Minute)
				if err != nil {
					return err
				}
				defer cache.Close()
				pipeOpts = append(pipeOpts, pipeline.WithCache(cache))
			}

			p, err := pipeline.New(loader, opts, pipeOpts...)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			runs, err := p.RunRange(ctx, start, end)
			for _, run := range runs {
				appLogger.ForRun(run.ID, string(run.Service), run.ValidDate).Info("Day stored",
					zap.Int("rows", run.RowsOut),
				)
			}
			if err != nil {
				return err
			}

			successColor.Fprintf(cmd.OutOrStdout(), "Built %d day(s) of %s features\n", len(runs), opts.Service)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "First valid date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Last valid date, inclusive (defaults to --from)")
	cmd.Flags().StringVar(&service, "service", "", "Service to build (rh or food); overrides config")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Skip the Redis profile cache")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func newPairsCmd() *cobra.Command {
	var from, to, service string

	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "Check that stored sessions and features align date by date",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(service)
			if err != nil {
				return err
			}
			store, err := sqlite.NewClient(cfg.SQLite.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := models.Service(cfg.Pipeline.Service)
			dates, err := store.PairDates(cmd.Context(), svc, from, to)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, d := range dates {
				rows, err := store.LoadFeatureRows(cmd.Context(), svc, d)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%d\n", d, len(rows))
			}
			successColor.Fprintf(out, "%d paired date(s)\n", len(dates))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "0001-01-01", "First date (YYYY-MM-DD), inclusive")
	cmd.Flags().StringVar(&to, "to", "9999-12-31", "Last date (YYYY-MM-DD), inclusive")
	cmd.Flags().StringVar(&service, "service", "", "Service (rh or food); overrides config")

	return cmd
}

func newCalibrateCmd() *cobra.Command {
	var input, output string
	var batchSize, approximation int
	var decreasing bool

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Fit an isotonic calibrator from JSON lines of {score, label}",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readRecords(input)
			if err != nil {
				return err
			}
			scores, labels := make([]float64, len(records)), make([]float64, len(records))
			for i, r := range records {
				scores[i] = r.Score
				labels[i] = r.Label()
			}

			c := calibration.New(calibration.Options{Increasing: !decreasing, Approximation: approximation})
			if err := c.FitBatched(scores, labels, batchSize); err != nil {
				return fmt.Errorf("failed to fit calibrator: %w", err)
			}
			knots, err := c.Knots()
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(knots, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal knots: %w", err)
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write knots: %w", err)
			}
			successColor.Fprintf(cmd.OutOrStdout(), "Fitted %d knot(s) from %d sample(s)\n", len(knots), c.Samples())
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSON lines file ('-' for stdin)")
	cmd.Flags().StringVar(&output, "output", "", "Write knots to this file instead of stdout")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Fit in batches of this many rows (0 fits at once)")
	cmd.Flags().IntVar(&approximation, "approximation", -1, "Round scores to this many decimals (-1 disables)")
	cmd.Flags().BoolVar(&decreasing, "decreasing", false, "Fit a non-increasing function")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func newEvaluateCmd() *cobra.Command {
	var input string
	var targetPrecision float64
	var thresholds []float64

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Report coverage and relevance per threshold from JSON lines of scored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readRecords(input)
			if err != nil {
				return err
			}
			outcomes := make([]evaluation.Outcome, len(records))
			scores := make([]float64, len(records))
			labels := make([]bool, len(records))
			for i, r := range records {
				outcomes[i] = r.Outcome()
				scores[i] = r.Score
				labels[i] = r.Target
			}

			report, err := evaluation.ConversionReport(outcomes, scores, thresholds)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			headerColor.Fprintln(out, "Conversion report")
			fmt.Fprint(out, evaluation.GenerateReport(report))

			threshold, recall, err := evaluation.OptimalThreshold(labels, scores, targetPrecision)
			if err != nil {
				warningColor.Fprintf(out, "No operating threshold: %v\n", err)
				return nil
			}
			successColor.Fprintf(out, "Threshold %.4f reaches precision %.2f at recall %.4f\n", threshold, targetPrecision, recall)
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSON lines file ('-' for stdin)")
	cmd.Flags().Float64Var(&targetPrecision, "target-precision", 0.8, "Precision the operating threshold must reach")
	cmd.Flags().Float64SliceVar(&thresholds, "thresholds", nil, "Thresholds to report (defaults to 0.4..0.9)")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}
