package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"docscan-backend/internal/api"
	"docscan-backend/internal/auth"
	"docscan-backend/internal/blobstore"
	"docscan-backend/internal/config"
	"docscan-backend/internal/database"
	"docscan-backend/internal/observability"
	"docscan-backend/internal/queue"
	"docscan-backend/internal/repository"
	"docscan-backend/internal/signing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := observability.NewLogger("docscan-api", os.Getenv("DOCSCAN_LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := repository.NewDocumentRepository(pool)

	blob, err := blobstore.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init storage")
	}
	if err := blob.EnsureBuckets(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure buckets")
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer asynqClient.Close()
	queueClient := queue.NewClient(asynqClient, cfg.MaxRetries)

	signer := signing.NewSigner(cfg.SigningSecret, cfg.SignedURLTTL, cfg.SignedURLSkew)
	verifier := auth.NewVerifier(cfg.AuthSecret)

	srv := api.New(cfg, repo, blob, queueClient, signer, verifier, log)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
