package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spigell/hh-sourcer/internal/ai"
	"github.com/spigell/hh-sourcer/internal/ai/gemini"
	"github.com/spigell/hh-sourcer/internal/cache"
	"github.com/spigell/hh-sourcer/internal/headhunter"
	"github.com/spigell/hh-sourcer/internal/pipeline"
	"github.com/spigell/hh-sourcer/internal/query"
	"github.com/spigell/hh-sourcer/internal/resolver"
	"github.com/spigell/hh-sourcer/internal/secrets"
	"github.com/spigell/hh-sourcer/internal/session"
	"github.com/spigell/hh-sourcer/internal/store"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultDatabase      = "hh-sourcer.db"
	defaultRetentionDays = 90
)

// runtime aggregates everything a command needs after setup.
type runtime struct {
	logger   *zap.Logger
	config   *Config
	db       *store.DB
	cache    *cache.Cache
	sessions *session.Store
	hh       *headhunter.Client
	scorer   ai.Scorer
	pipe     *pipeline.Pipeline
	strategy query.Strategy
}

func (r *runtime) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// newRuntime wires the store, cache, provider client, resolver, scorer
// and pipeline from the parsed config.
func newRuntime(ctx context.Context, logger *zap.Logger, config *Config, bypassCache bool) (*runtime, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	strategy, err := query.ParseStrategy(config.Strategy)
	if err != nil {
		return nil, err
	}

	token, err := resolveToken(config)
	if err != nil {
		return nil, fmt.Errorf("loading headhunter token: %w (set HH_TOKEN_FILE or the 'token-file' config key)", err)
	}

	hh := headhunter.New(logger, token)
	if config.UserAgent != "" {
		hh.UserAgent = config.UserAgent
	}

	dbPath := config.Database
	if dbPath == "" {
		dbPath = defaultDatabase
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sourcing := config.Sourcing
	if sourcing == nil {
		sourcing = &SourcingConfig{}
	}

	cacheTier := cache.New(db, logger)

	sessions := session.NewStore(db, logger)
	sessions.SetCandidateCap(sourcing.CandidateCap)

	retention := days(sourcing.RetentionDays, defaultRetentionDays)
	if purged, err := sessions.PurgeOlderThan(retention); err != nil {
		logger.Warn("purging expired sessions failed", zap.Error(err))
	} else if purged > 0 {
		logger.Info("purged expired sessions", zap.Int("count", purged))
	}

	res := resolver.New(hh, cacheTier, resolver.Options{
		Threshold:   sourcing.ConfidenceThreshold,
		MaxAge:      days(sourcing.OrganizationDays, 30),
		BypassCache: bypassCache,
	}, logger)

	scorer, err := newAIScorer(ctx, config.AI, logger)
	if err != nil {
		logger.Warn("running without evaluation stage", zap.Error(err))
	}

	pipe := pipeline.New(pipeline.Config{
		Concurrency:        sourcing.Concurrency,
		PreviewCap:         sourcing.PreviewCap,
		ResumeFresh:        days(sourcing.FreshDays, 3),
		ResumeStale:        days(sourcing.StaleDays, 90),
		OrganizationMaxAge: days(sourcing.OrganizationDays, 30),
		EnrichCutoffYear:   sourcing.EnrichCutoffYear,
		BypassCache:        bypassCache,
		Strategy:           strategy,
	}, pipeline.Deps{
		Sessions: sessions,
		Cache:    cacheTier,
		Provider: hh,
		Resolver: res,
		Scorer:   scorer,
		Logger:   logger,
	})

	return &runtime{
		logger:   logger,
		config:   config,
		db:       db,
		cache:    cacheTier,
		sessions: sessions,
		hh:       hh,
		scorer:   scorer,
		pipe:     pipe,
		strategy: strategy,
	}, nil
}

func (r *runtime) filters() query.Filters {
	f := query.Filters{}
	if r.config.Filters != nil {
		f.Roles = r.config.Filters.Roles
		f.Locations = r.config.Filters.Locations
		f.Seniority = r.config.Filters.Seniority
		f.Department = r.config.Filters.Department
	}
	return f
}

func resolveToken(config *Config) (string, error) {
	tokenFile := strings.TrimSpace(config.TokenFile)
	if tokenFile == "" {
		tokenFile = strings.TrimSpace(viper.GetString("token-file"))
	}

	return secrets.Load(secrets.Source{
		Name: "headhunter token",
		File: tokenFile,
	})
}

func newAIScorer(ctx context.Context, cfg *AIConfig, logger *zap.Logger) (ai.Scorer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, errors.New("ai scoring is disabled in the config")
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	if cfg.Gemini == nil {
		return nil, errors.New("gemini configuration is required when ai scoring is enabled")
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name: "gemini api key",
		File: cfg.Gemini.APIKeyFile,
		Env:  "GEMINI_API_KEY",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY)", err)
	}

	generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini.Model)
	if err != nil {
		return nil, err
	}

	scorerLogger := logger.With(
		zap.String("provider", "gemini"),
		zap.String("model", generator.Model()),
	)

	return gemini.NewScorer(generator, cfg.Gemini.MaxRetries, cfg.Gemini.MaxLogLength, scorerLogger), nil
}

func days(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * 24 * time.Hour
}
