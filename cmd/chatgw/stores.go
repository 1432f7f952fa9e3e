package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/auth"
	"github.com/eldtechnologies/chatgw/internal/config"
	"github.com/eldtechnologies/chatgw/internal/crypto"
	"github.com/eldtechnologies/chatgw/internal/store"
)

// devSecret signs tokens in development when no key is configured.
const devSecret = "chatgw-development-secret"

// openMessageStore connects to PostgreSQL when a database URL is set and
// falls back to the embedded SQLite store otherwise.
func openMessageStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.MessageStore, error) {
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres connection failed: %w", err)
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg, nil
	}

	sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("sqlite open failed: %w", err)
	}
	logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	return sq, nil
}

func openRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store.RedisStore, error) {
	rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info().Msg("connected to Redis")
	return rs, nil
}

// newValidator prefers an Ed25519 public key over a shared secret.
func newValidator(cfg *config.Config, logger zerolog.Logger) (auth.Validator, error) {
	switch {
	case cfg.JWTPublicKey != "":
		pub, err := crypto.ValidatePublicKey(cfg.JWTPublicKey)
		if err != nil {
			return nil, err
		}
		return auth.NewEd25519Validator(pub), nil
	case cfg.JWTSecret != "":
		return auth.NewHMACValidator([]byte(cfg.JWTSecret)), nil
	}
	logger.Warn().Msg("no token key configured, accepting tokens signed with the development secret")
	return auth.NewHMACValidator([]byte(devSecret)), nil
}
