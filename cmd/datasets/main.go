package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fork-the-planet/datasets/audiofolder"
	"github.com/fork-the-planet/datasets/dataset"
	"github.com/fork-the-planet/datasets/export"
	"github.com/fork-the-planet/datasets/internal/config"
	"github.com/fork-the-planet/datasets/metrics"
	"github.com/fork-the-planet/datasets/webdataset"
)

const (
	defaultConfigPath = "configs/config.yaml"
	toolName          = "datasets"
	toolVersion       = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Export tool starting",
		slog.String("tool", toolName),
		slog.String("version", toolVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("source_type", cfg.Source.Type),
		slog.Int("shuffle_buffer", cfg.Pipeline.ShuffleBuffer),
		slog.String("output_dir", cfg.Output.Dir),
		slog.String("output_format", cfg.Output.Format),
		slog.Int("output_shards", cfg.Output.NumShards),
		slog.Bool("checkpointing", cfg.Checkpoint.Path != ""),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var pipelineMetrics *metrics.Pipeline
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		pipelineMetrics = metrics.NewPipeline()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", slog.String("error", err.Error()))
			}
		}()
		logger.Info("Prometheus metrics listening", slog.String("address", cfg.Metrics.Address))
	}

	ds, err := buildDataset(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build dataset", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if pipelineMetrics != nil {
		ds = ds.WithObserver(pipelineMetrics)
	}
	ds = ds.WithLogger(logger)

	logger.Info("Dataset ready",
		slog.Int("shards", ds.NumShards()),
		slog.Any("columns", ds.ColumnNames()),
	)

	start := time.Now()
	var stats export.Stats
	if cfg.Checkpoint.Path != "" {
		stats, err = runCheckpointed(ctx, cfg, ds, logger)
	} else {
		stats, err = export.Sharded(ctx, ds, cfg.Output.Dir, cfg.Output.Prefix, cfg.Output.NumShards, &export.ShardedOptions{
			Format:     export.Format(cfg.Output.Format),
			NumWorkers: cfg.Output.NumWorkers,
			Logger:     logger,
		})
	}
	elapsed := time.Since(start)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			logger.Error("Error stopping metrics server", slog.String("error", serr.Error()))
		}
	}

	if err != nil {
		if pipelineMetrics != nil {
			pipelineMetrics.RecordExportError(cfg.Output.Format)
		}
		logger.Error("Export failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		os.Exit(1)
	}

	if pipelineMetrics != nil {
		pipelineMetrics.RecordExport(cfg.Output.Format, stats.Rows, stats.Bytes, elapsed.Seconds())
	}
	logger.Info("Export finished",
		slog.Int("rows", stats.Rows),
		slog.Int64("bytes", stats.Bytes),
		slog.Duration("elapsed", elapsed),
	)
}

// buildDataset constructs the source and applies the configured pipeline
// stages in a fixed order: split, shuffle, skip, take, repeat, decode.
func buildDataset(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dataset.Dataset, error) {
	var ds *dataset.Dataset
	var err error

	switch cfg.Source.Type {
	case "audiofolder":
		ds, err = audiofolder.Load(ctx, cfg.Source.Root, &audiofolder.Options{
			Extensions: cfg.Source.Extensions,
			EnableTags: cfg.Source.EnableTags,
			SampleRate: cfg.Source.SampleRate,
			Logger:     logger,
		})
	case "webdataset":
		ds, err = webdataset.Load(ctx, cfg.Source.Roots, &webdataset.Options{
			PendingCap: cfg.Source.PendingCap,
			Logger:     logger,
		})
	default:
		err = fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
	if err != nil {
		return nil, err
	}

	p := cfg.Pipeline
	if p.WorldSize > 0 {
		if ds, err = ds.SplitByNode(p.Rank, p.WorldSize); err != nil {
			return nil, err
		}
	}
	if p.ShuffleBuffer > 0 {
		if ds, err = ds.Shuffle(p.ShuffleSeed, p.ShuffleBuffer); err != nil {
			return nil, err
		}
	}
	if p.Skip > 0 {
		if ds, err = ds.Skip(p.Skip); err != nil {
			return nil, err
		}
	}
	if p.Take > 0 {
		if ds, err = ds.Take(p.Take); err != nil {
			return nil, err
		}
	}
	if p.Repeat > 1 {
		ds = ds.Repeat(p.Repeat)
	}
	if p.DecodeAudio && cfg.Source.Type == "audiofolder" {
		threads := p.DecodeThreads
		if threads < 1 {
			threads = 1
		}
		if ds, err = ds.Decode(true, threads); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// runCheckpointed exports sequentially to a single file, persisting the
// iteration state every SaveEvery rows so an interrupted run resumes
// where it stopped.
func runCheckpointed(ctx context.Context, cfg *config.Config, ds *dataset.Dataset, logger *slog.Logger) (export.Stats, error) {
	format := export.Format(cfg.Output.Format)
	outPath := filepath.Join(cfg.Output.Dir, export.ShardFileName(cfg.Output.Prefix, 0, 1, format))
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return export.Stats{}, fmt.Errorf("create output dir: %w", err)
	}

	resuming := false
	if f, err := os.Open(cfg.Checkpoint.Path); err == nil {
		ckpt, lerr := dataset.LoadCheckpoint(f)
		f.Close()
		if lerr != nil {
			return export.Stats{}, fmt.Errorf("load checkpoint: %w", lerr)
		}
		if err := ds.Restore(ckpt); err != nil {
			return export.Stats{}, fmt.Errorf("restore checkpoint: %w", err)
		}
		resuming = true
		logger.Info("Resuming from checkpoint", slog.String("path", cfg.Checkpoint.Path))
	} else if !os.IsNotExist(err) {
		return export.Stats{}, fmt.Errorf("open checkpoint: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resuming {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	out, err := os.OpenFile(outPath, flags, 0o644)
	if err != nil {
		return export.Stats{}, fmt.Errorf("open output: %w", err)
	}
	defer out.Close()

	writer, err := export.NewRowWriter(out, format)
	if err != nil {
		return export.Stats{}, err
	}
	if resuming {
		writer.SetHeader(ds.ColumnNames())
	}
	stats := func() export.Stats {
		return export.Stats{Rows: writer.Count(), Bytes: writer.Bytes()}
	}

	sc, err := ds.Iterate(ctx)
	if err != nil {
		return export.Stats{}, err
	}
	defer sc.Close()

	rows := 0
	for sc.Next() {
		if err := writer.Write(sc.Row()); err != nil {
			return stats(), err
		}
		rows++
		if rows%cfg.Checkpoint.SaveEvery == 0 {
			if err := saveCheckpoint(ds, writer, cfg.Checkpoint.Path); err != nil {
				return stats(), err
			}
			logger.Debug("Checkpoint saved", slog.Int("rows", rows))
		}
	}
	if err := sc.Err(); err != nil {
		// An interrupt is the expected way to stop a checkpointed run;
		// persist the state so the next run picks up here.
		if errors.Is(err, context.Canceled) {
			if serr := saveCheckpoint(ds, writer, cfg.Checkpoint.Path); serr != nil {
				return stats(), serr
			}
			logger.Info("Interrupted, checkpoint saved", slog.Int("rows", rows))
			return stats(), nil
		}
		return stats(), err
	}
	if err := writer.Flush(); err != nil {
		return stats(), err
	}

	// The run completed; a leftover checkpoint would make the next run
	// resume past the end and export nothing.
	if err := os.Remove(cfg.Checkpoint.Path); err != nil && !os.IsNotExist(err) {
		return stats(), fmt.Errorf("remove checkpoint: %w", err)
	}
	logger.Info("Rows exported", slog.Int("rows", rows), slog.String("path", outPath))
	return stats(), nil
}

func saveCheckpoint(ds *dataset.Dataset, writer *export.RowWriter, path string) error {
	if err := writer.Flush(); err != nil {
		return err
	}
	ckpt, err := ds.State()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := ckpt.Save(f); err != nil {
		f.Close()
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// initLogger creates the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
