package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"study-ai/internal/api"
	"study-ai/internal/config"
	"study-ai/internal/db"
	"study-ai/internal/events"
	"study-ai/internal/llm"
	"study-ai/internal/logger"
	"study-ai/internal/services"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("open database", "path", cfg.Database, "error", err)
	}
	defer conn.Close()

	gateway, closeProviders, err := buildGateway(ctx, cfg, log)
	if err != nil {
		log.Fatal("init providers", "error", err)
	}
	defer closeProviders()

	var publisher events.Publisher = events.Nop{}
	if cfg.RedisAddr != "" {
		rp, err := events.NewRedisPublisher(log, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			log.Warn("redis unavailable, events disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			publisher = rp
		}
	}
	defer publisher.Close()

	documentService := services.NewDocumentService(conn, cfg.UploadDir, cfg.MaxUploadBytes)
	batch := services.NewBatchGenerator(gateway, log)
	server := api.NewServer(api.Services{
		Documents:  documentService,
		Flashcards: services.NewFlashcardService(conn, batch, documentService, publisher, log, cfg.BatchChunkSize),
		Formulas:   services.NewFormulaService(conn, batch, documentService, publisher, log, cfg.BatchChunkSize),
		Notes:      services.NewNoteService(conn, batch, documentService, publisher, log, cfg.BatchChunkSize),
		Quiz: services.NewQuizService(conn, gateway, documentService, publisher, log, services.QuizConfig{
			ChunkSize:    cfg.QuizChunkSize,
			MaxQuestions: cfg.QuizMaxQuestions,
		}),
	}, log, api.Options{
		JobTimeout:     cfg.JobTimeout,
		JobRetention:   cfg.JobRetention,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
	}()

	log.Info("listening", "port", cfg.Port, "secondary_provider", cfg.SecondaryProvider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", "error", err)
	}
}

// buildGateway wires Groq as the primary provider and the configured
// secondary as its rate-limit fallback.
func buildGateway(ctx context.Context, cfg config.Config, log *logger.Logger) (*llm.Gateway, func(), error) {
	noop := func() {}

	var primary llm.Provider
	if cfg.GroqKey != "" {
		primary = llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    "groq",
			APIKey:  cfg.GroqKey,
			BaseURL: cfg.GroqBaseURL,
			Model:   cfg.GroqModel,
		})
	} else {
		log.Warn("GROQ_API_KEY not set, generation requests will fail")
	}

	opts := []llm.GatewayOption{llm.WithTimeouts(cfg.PrimaryTimeout, cfg.SecondaryTimeout)}
	closeFn := noop

	switch cfg.SecondaryProvider {
	case "openrouter":
		if cfg.OpenRouterKey == "" {
			log.Warn("OPENROUTER_API_KEY not set, running without fallback")
			break
		}
		opts = append(opts, llm.WithSecondary(llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    "openrouter",
			APIKey:  cfg.OpenRouterKey,
			BaseURL: cfg.OpenRouterBaseURL,
			Model:   cfg.OpenRouterModel,
		})))
	case "gemini":
		if cfg.GeminiKey == "" {
			log.Warn("GEMINI_API_KEY not set, running without fallback")
			break
		}
		gemini, err := llm.NewGeminiProvider(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, noop, err
		}
		opts = append(opts, llm.WithSecondary(gemini))
		closeFn = func() { _ = gemini.Close() }
	case "none", "":
	default:
		return nil, noop, fmt.Errorf("unknown SECONDARY_PROVIDER %q", cfg.SecondaryProvider)
	}

	return llm.NewGateway(primary, log, opts...), closeFn, nil
}
