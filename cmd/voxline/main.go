package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/antoniostano/voxline/internal/config"
	"github.com/antoniostano/voxline/internal/httpapi"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/pipeline"
	"github.com/antoniostano/voxline/internal/session"
	"github.com/antoniostano/voxline/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	providers := buildProviders(cfg, logger)

	ctx := context.Background()
	pool, err := openTranscriptPool(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("transcript store init failed", zap.Error(err))
	}
	if pool != nil {
		defer pool.Close()
	}

	sup := session.NewSupervisor(cfg, providers, pool, metrics, logger)

	api := httpapi.New(cfg, sup, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sup.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful http shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	sup.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildProviders resolves the speech and language backends from config.
// Mock providers keep the whole pipeline runnable with no keys and no
// network.
func buildProviders(cfg config.Config, logger *zap.Logger) session.Providers {
	providers := session.Providers{
		STT: pipeline.NewMockSTTProvider(),
		TTS: pipeline.NewMockTTSProvider(),
		LLM: pipeline.NewMockLanguageModel(),
	}

	switch cfg.SpeechProvider {
	case "elevenlabs":
		el := pipeline.NewElevenLabsProvider(pipeline.ElevenLabsConfig{
			APIKey:    cfg.ElevenLabsAPIKey,
			WSBaseURL: cfg.ElevenLabsWSBaseURL,
		})
		providers.STT = el
		providers.TTS = el.TTS()
		logger.Info("speech provider: elevenlabs realtime")
	default:
		logger.Info("speech provider: mock")
	}

	if cfg.LLMBaseURL != "" {
		providers.LLM = pipeline.NewHTTPLanguageModel(cfg.LLMBaseURL)
		logger.Info("language model: http", zap.String("base_url", cfg.LLMBaseURL))
	} else {
		logger.Info("language model: mock")
	}
	return providers
}

func openTranscriptPool(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("transcripts: file store", zap.String("dir", cfg.TranscriptDir))
		return nil, nil
	}
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	pool, err := transcript.OpenPool(initCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("transcripts: postgres store")
	return pool, nil
}
