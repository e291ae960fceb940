package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/castforge/castforge/internal/config"
	"github.com/castforge/castforge/internal/control"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/janitor"
	"github.com/castforge/castforge/internal/llm"
	"github.com/castforge/castforge/internal/progress"
	"github.com/castforge/castforge/internal/queue"
	"github.com/castforge/castforge/internal/server"
	"github.com/castforge/castforge/internal/stages"
	"github.com/castforge/castforge/internal/storage"
	"github.com/castforge/castforge/internal/telemetry"
	"github.com/castforge/castforge/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "migrate":
		migrate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  castforge serve [--config <file.yaml>]")
	fmt.Fprintln(os.Stderr, "  castforge migrate [--config <file.yaml>]")
}

func loadConfig(args []string) *config.Config {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if configPath == "" {
		return config.Default()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func migrate(args []string) {
	cfg := loadConfig(args)
	db, err := storage.OpenAndMigrate(cfg.Storage.Path, cfg.Storage.BusyTimeoutMS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	db.Close()
	fmt.Printf("migrations applied: %s\n", cfg.Storage.Path)
}

func serve(args []string) {
	cfg := loadConfig(args)

	log, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingShutdown, err := telemetry.SetupTracing(ctx,
		cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, *cfg.Telemetry.SampleRatio)
	if err != nil {
		log.Fatal("setup tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	db, err := storage.OpenAndMigrate(cfg.Storage.Path, cfg.Storage.BusyTimeoutMS)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	jitterLow, jitterHigh, err := config.ParseJitterRange(cfg.Queue.Backoff.JitterRange)
	if err != nil {
		log.Fatal("parse jitter range", zap.Error(err))
	}
	store := queue.NewSQLiteStore(db)
	q := queue.New(store, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		Backoff: queue.BackoffConfig{
			Base:       time.Duration(cfg.Queue.Backoff.BaseSeconds * float64(time.Second)),
			Multiplier: cfg.Queue.Backoff.Multiplier,
			Cap:        time.Duration(cfg.Queue.Backoff.CapSeconds * float64(time.Second)),
			JitterLow:  jitterLow,
			JitterHigh: jitterHigh,
		},
		OrphanStaleness: time.Duration(cfg.Queue.OrphanStalenessSeconds) * time.Second,
	})
	repo := episode.NewSQLRepository(db)
	bus := progress.NewBus(cfg.Queue.ProgressSubscriberBuffer)
	artifacts := stages.NewArtifactStore(cfg.Media.DataDir)

	llmClient := llm.NewClient(llm.Config{
		BaseURL:             cfg.LLM.BaseURL,
		APIKey:              os.Getenv(cfg.LLM.APIKeyEnv),
		ChatModel:           cfg.LLM.ChatModel,
		TranscribeModel:     cfg.LLM.TranscribeModel,
		RequestTimeout:      time.Duration(cfg.LLM.RequestTimeoutMS) * time.Millisecond,
		BreakerMaxFailures:  uint32(cfg.LLM.Breaker.MaxFailures),
		BreakerOpenInterval: time.Duration(cfg.LLM.Breaker.OpenIntervalMS) * time.Millisecond,
	})

	reg := worker.NewRegistry()
	reg.Add(&stages.Download{
		Artifacts: artifacts,
		Episodes:  repo,
		Timeout:   time.Duration(cfg.Media.DownloadTimeoutMS) * time.Millisecond,
	})
	reg.Add(&stages.Downsample{
		Artifacts:    artifacts,
		Episodes:     repo,
		FFmpegPath:   cfg.Media.FFmpegPath,
		SampleRateHz: cfg.Media.SampleRateHz,
		Channels:     cfg.Media.Channels,
		BitrateKbps:  cfg.Media.BitrateKbps,
	})
	reg.Add(&stages.Transcribe{Artifacts: artifacts, Episodes: repo, Speech: llmClient})
	reg.Add(&stages.Clean{Artifacts: artifacts, Episodes: repo, Chat: llmClient})
	reg.Add(&stages.Summarize{Artifacts: artifacts, Episodes: repo, Chat: llmClient})
	if err := reg.Validate(); err != nil {
		log.Fatal("handler registry", zap.Error(err))
	}

	canceller := worker.NewCanceller()
	recorder := worker.NewFailureRecorder(store, time.Now)

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	promReg.MustRegister(telemetry.NewQueueDepthCollector(func(ctx context.Context) (map[string]int, error) {
		counts, err := q.CountsByStatus(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int, len(counts))
		for status, n := range counts {
			out[string(status)] = n
		}
		return out, nil
	}))

	ctl := control.New(control.Deps{
		Queue:     q,
		Episodes:  repo,
		Bus:       bus,
		Canceller: canceller,
	})
	srv := server.New(server.Deps{
		Control:  ctl,
		Episodes: repo,
		Metrics:  promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Log:      log,
	}, server.Options{
		Addr:               cfg.Server.Addr,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	})
	jan := janitor.New(q, log, janitor.Config{
		Retention:     time.Duration(cfg.Queue.CompletedRetentionDays) * 24 * time.Hour,
		SweepInterval: time.Duration(cfg.Queue.RetentionSweepIntervalMinutes) * time.Minute,
		ArtifactRoot:  cfg.Media.DataDir,
		ScratchGlobs:  cfg.Media.ScratchGlobs,
	})

	log.Info("castforge starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("db", cfg.Storage.Path),
		zap.String("data_dir", cfg.Media.DataDir),
		zap.Int("workers", cfg.Queue.WorkerCount))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })
	for i := 1; i <= cfg.Queue.WorkerCount; i++ {
		w := worker.New(worker.Deps{
			Queue:     q,
			Episodes:  repo,
			Handlers:  reg,
			Bus:       bus,
			Recorder:  recorder,
			Canceller: canceller,
			Log:       log,
			Metrics:   metrics,
		}, worker.Options{
			Name:      fmt.Sprintf("worker-%d", i),
			IdleSleep: time.Duration(cfg.Queue.WorkerIdleSleepMS) * time.Millisecond,
		})
		g.Go(func() error { return w.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Fatal("castforge exited", zap.Error(err))
	}
	bus.Close()
	log.Info("castforge stopped")
}
