package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/oncopipe/internal/aggregator"
	"github.com/ehr/oncopipe/internal/broker"
	"github.com/ehr/oncopipe/internal/config"
	"github.com/ehr/oncopipe/internal/event"
	"github.com/ehr/oncopipe/internal/httpapi"
	"github.com/ehr/oncopipe/internal/pipeline/ingestor"
	"github.com/ehr/oncopipe/internal/pipeline/normalizer"
	"github.com/ehr/oncopipe/internal/platform/aiclient"
	"github.com/ehr/oncopipe/internal/platform/fdaclient"
	"github.com/ehr/oncopipe/internal/platform/fhirclient"
	"github.com/ehr/oncopipe/internal/platform/hl7feed"
	"github.com/ehr/oncopipe/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oncopipe",
		Short: "Oncology ingestion pipeline and insight aggregator",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(normalizeCmd())
	rootCmd.AddCommand(contractCheckCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the insight aggregator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run the HL7 feed ingestor worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngestor()
		},
	}
}

func normalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Run the raw-to-normalized HL7 event worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalizer()
		},
	}
}

func contractCheckCmd() *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "contract-check",
		Short: "Validate recent entries on the normalized stream against EventCommon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContractCheck(count)
		},
	}
	cmd.Flags().Int64Var(&count, "count", 50, "number of recent entries to check")
	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	fhir := fhirclient.New(fhirclient.Config{
		Base:         cfg.FHIRBase,
		ClientID:     cfg.FHIRClientID,
		ClientSecret: cfg.FHIRClientSecret,
		TokenURL:     cfg.FHIRTokenURL,
	})
	fda := fdaclient.New(cfg.FDABase)
	ai := aiclient.New(cfg.AIBase)
	hl7 := hl7feed.New(cfg.HL7Base)
	agg := aggregator.New(fhir, fda, ai, hl7)
	handler := httpapi.New(agg, fhir, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	e.Use(middleware.RateLimit(rateLimitCfg))

	handler.RegisterRoutes(e)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runIngestor() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	stream, err := broker.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer stream.Close()

	worker := ingestor.New(ingestor.Config{
		HL7Base:      cfg.HL7Base,
		Stream:       cfg.HL7RawStream,
		MaxLen:       cfg.HL7StreamMaxLen,
		Batch:        cfg.HL7IngestBatch,
		PollInterval: time.Duration(cfg.HL7PollInterval * float64(time.Second)),
	}, stream, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel, logger, "ingestor")

	worker.Run(ctx)
	return nil
}

func runNormalizer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	stream, err := broker.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer stream.Close()

	worker := normalizer.New(normalizer.Config{
		RawStream:  cfg.HL7RawStream,
		NormStream: cfg.HL7NormStream,
		DLQStream:  cfg.HL7DLQStream,
		Group:      cfg.HL7Group,
		Consumer:   cfg.Consumer,
		Count:      cfg.HL7NormalizeCount,
		BlockMS:    time.Duration(cfg.HL7NormalizeBlockMS) * time.Millisecond,
		NormMaxLen: cfg.HL7NormMaxLen,
		DLQMaxLen:  cfg.HL7DLQMaxLen,
	}, stream, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure consumer group")
	}

	go waitForSignal(cancel, logger, "normalizer")

	worker.Run(ctx)
	return nil
}

func waitForSignal(cancel context.CancelFunc, logger zerolog.Logger, name string) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Str("worker", name).Msg("shutting down")
	cancel()
}

// runContractCheck revranges the normalized stream and validates each
// entry's "e" field against event.Common, mirroring the source's
// check_norm_contract.py script.
func runContractCheck(count int64) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	stream, err := broker.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer stream.Close()

	ctx := context.Background()
	entries, err := stream.Revrange(ctx, cfg.HL7NormStream, count)
	if err != nil {
		return fmt.Errorf("contract-check: revrange failed: %w", err)
	}

	bad := 0
	for _, entry := range entries {
		raw, ok := entry.Values["e"].(string)
		if !ok || raw == "" {
			bad++
			fmt.Printf("[FAIL] %s -> missing_e_field\n", entry.ID)
			continue
		}
		var e event.Common
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			bad++
			fmt.Printf("[FAIL] %s -> %v\n", entry.ID, err)
			continue
		}
		if err := e.Validate(); err != nil {
			bad++
			fmt.Printf("[FAIL] %s -> %v\n", entry.ID, err)
		}
	}

	if bad > 0 {
		fmt.Printf("Contract FAILED: %d/%d\n", bad, len(entries))
		os.Exit(1)
	}
	fmt.Printf("Contract OK: %d valid\n", len(entries))
	return nil
}
