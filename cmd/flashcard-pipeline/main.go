// Command flashcard-pipeline runs one batch of vocabulary items through
// the two-stage LLM pipeline: it reads newline-delimited VocabItem JSON
// from stdin (or --input), drives the orchestrator to completion, and
// writes the ordered Stage2Artifact records to stdout (or --output) as
// they become contiguous. Loading from a source format other than JSON
// lines and rendering to Anki/TSV/PDF are downstream concerns this
// binary does not implement.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/korean-flashcard-pipeline/internal/config"
	"github.com/jordigilh/korean-flashcard-pipeline/internal/database"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/breaker"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/cache"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/collector"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/engine"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/flashcard"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/llm"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/metrics"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/orchestrator"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/queue"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/ratelimit"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/retry"
)

func main() {
	configPath := flag.String("config", "", "path to a pipeline config YAML file (defaults are used if empty)")
	inputPath := flag.String("input", "", "path to a newline-delimited VocabItem JSON file (defaults to stdin)")
	outputPath := flag.String("output", "", "path to write ordered Stage2Artifact JSON records (defaults to stdout)")
	batchID := flag.String("batch-id", "", "batch identifier; a timestamp-derived id is used if empty")
	resume := flag.Bool("resume", false, "resume an existing batch instead of creating a new one")
	metricsAddr := flag.String("metrics-addr", "", "address to expose /metrics and /health on (disabled if empty)")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := run(*configPath, *inputPath, *outputPath, *batchID, *resume, *metricsAddr, logger); err != nil {
		logger.WithError(err).Fatal("pipeline run failed")
	}
}

func run(configPath, inputPath, outputPath, batchID string, resume bool, metricsAddr string, logger *logrus.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.Database.Path
	db, err := database.Connect(dbCfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(db.DB); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	cacheMgr, err := cache.NewManager(cache.Config{
		Codec:        cache.Codec(cfg.Cache.Codec),
		HotThreshold: int64(cfg.Cache.HotThreshold),
		MaxBytes:     cfg.Cache.MaxBytes,
	}, db, logger)
	if err != nil {
		return fmt.Errorf("building cache manager: %w", err)
	}

	q := queue.New(db)

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("building llm provider: %w", err)
	}
	client := llm.NewClient(provider)

	stage1Lim := ratelimit.New("stage1", ratelimit.Config{
		RequestsPerMinute: cfg.Stage1.RequestsPerMinute,
		TokensPerMinute:   cfg.Stage1.TokensPerMinute,
		SafetyFactor:      cfg.SafetyFactor,
	})
	stage2Lim := ratelimit.New("stage2", ratelimit.Config{
		RequestsPerMinute: cfg.Stage2.RequestsPerMinute,
		TokensPerMinute:   cfg.Stage2.TokensPerMinute,
		SafetyFactor:      cfg.SafetyFactor,
	})

	breakers, err := breaker.NewManager(breaker.Config{
		FailureRatio:         cfg.Breaker.FailureRatio,
		MinThroughput:        uint32(cfg.Breaker.MinThroughput),
		WindowSeconds:        cfg.Breaker.WindowSeconds,
		BreakDurationSeconds: cfg.Breaker.BreakDurationSeconds,
		MaxProbes:            uint32(cfg.Breaker.MaxProbes),
	}, logger)
	if err != nil {
		return fmt.Errorf("building breaker manager: %w", err)
	}

	retrier := retry.NewRetrier(retry.Config{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialDelay:      time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier: 2,
		Jitter:            cfg.Retry.Jitter != "none",
	}, logger)

	items, err := readItems(inputPath)
	if err != nil {
		return fmt.Errorf("reading input items: %w", err)
	}
	if batchID == "" {
		batchID = fmt.Sprintf("batch-%d", time.Now().Unix())
	}
	for i := range items {
		items[i].BatchID = batchID
	}

	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	defer closeOut()

	col := collector.New(1)
	enc := json.NewEncoder(out)
	sink := func(results []collector.Result) {
		for _, r := range results {
			if r.Skipped {
				continue
			}
			if artifact, ok := r.Payload.(*flashcard.Stage2Artifact); ok {
				if err := enc.Encode(artifact); err != nil {
					logger.WithError(err).Error("failed to write result")
				}
			}
		}
	}

	eng := engine.New(engine.Config{
		Workers:          cfg.Workers,
		MaxRetries:       cfg.Retry.MaxAttempts,
		Stage1Timeout:    cfg.Stage1Timeout(),
		Stage2Timeout:    cfg.Stage2Timeout(),
		ItemTimeout:      cfg.ItemTimeout(),
		CheckpointEveryN: cfg.Checkpoint.EveryN,
	}, q, cacheMgr, col, stage1Lim, stage2Lim, breakers, retrier, client, logger, sink)
	eng.SetPersistence(ratelimit.NewStore(db), breaker.NewStore(db))

	orch := orchestrator.New(q, eng, logger)

	var metricsServer *metrics.Server
	if metricsAddr != "" {
		m := metrics.New()
		metricsServer = metrics.NewServer(metricsAddr, m, logger)
		metricsServer.StartAsync()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Stop(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var report *flashcard.BatchReport
	if resume {
		report, err = orch.ResumeBatch(ctx, batchID)
	} else {
		report, err = orch.RunBatch(ctx, batchID, items)
	}
	if err != nil && report == nil {
		return fmt.Errorf("running batch: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"batch_id":    report.BatchID,
		"total":       report.TotalItems,
		"completed":   report.Completed,
		"failed":      report.Failed,
		"quarantined": report.Quarantined,
		"status":      report.Status,
		"elapsed_ms":  report.Elapsed.Milliseconds(),
	}).Info("batch run finished")

	if report.Status == flashcard.BatchFailed {
		return fmt.Errorf("batch %s failed", report.BatchID)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("FLASHCARD_CONFIG")
	}
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func buildProvider(cfg config.ProviderConfig) (llm.Provider, error) {
	switch cfg.Kind {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.ModelID})
	case "bedrock":
		return llm.NewBedrockProvider(context.Background(), llm.BedrockConfig{ModelID: cfg.ModelID})
	default:
		return llm.NewHTTPProvider(llm.HTTPConfig{
			Endpoint: cfg.Endpoint,
			Model:    cfg.ModelID,
			APIKey:   cfg.APIKey,
			Timeout:  60 * time.Second,
		})
	}
}

func readItems(path string) ([]flashcard.VocabItem, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var items []flashcard.VocabItem
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	position := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		position++
		var item flashcard.VocabItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("parsing item at line %d: %w", position, err)
		}
		if item.Position == 0 {
			item.Position = position
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
