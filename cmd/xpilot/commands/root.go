package commands

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"xpilot/internal/clients/gemini"
	"xpilot/internal/clients/webfetch"
	"xpilot/internal/clients/x"
	"xpilot/internal/config"
	"xpilot/internal/database"
	"xpilot/internal/logger"
	"xpilot/internal/services/oauth"
	"xpilot/internal/services/worker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "xpilot",
	Short:         "Posting and analytics worker",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config directory")
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

// setup loads env, config, logging and the database connection shared
// by every subcommand.
func setup() (*config.Config, *gorm.DB, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := logger.Initialize(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}); err != nil {
		return nil, nil, err
	}

	return cfg, database.GetDB(), nil
}

// buildService wires the worker with real or fake adapters per the
// feature flags.
func buildService(ctx context.Context, cfg *config.Config, db *gorm.DB) (*worker.Service, error) {
	var (
		reader  x.Reader       = x.NewFakeReader()
		targets x.TargetSource = x.NewFakeTargetSource()
		poster  x.Poster       = x.NewFakePoster()
		opts    []worker.Option
	)

	if cfg.Features.UseRealX {
		if cfg.OAuth.BearerToken != "" {
			real, err := x.NewRealClient(cfg.OAuth.BearerToken, cfg.OAuth.UserID)
			if err != nil {
				return nil, err
			}
			reader = real
			targets = real
		}

		oauthManager := oauth.NewManager(db, oauth.NewClient(cfg.OAuth))
		poster = x.NewRealPoster(worker.NewAgentTokenSource(db, oauthManager))
		opts = append(opts, worker.WithTokenManager(oauthManager))
	}

	var webSearch worker.Searcher = worker.FakeSearcher{Source: "web"}
	if cfg.Features.UseGeminiWebSearch && cfg.Gemini.APIKey != "" {
		client, err := gemini.NewSearchClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Limits.SearchSnippetLimit)
		if err != nil {
			return nil, err
		}
		webSearch = client
	}
	opts = append(opts, worker.WithSearchers(worker.FakeSearcher{Source: "x"}, webSearch))

	if cfg.Features.UseGeminiSummarize && cfg.Gemini.APIKey != "" {
		summarizer, err := gemini.NewSummarizeClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		opts = append(opts, worker.WithSummarizer(summarizer))
	}

	opts = append(opts, worker.WithFetcher(webfetch.NewClient(cfg.Fetch)))

	return worker.NewService(db, cfg, reader, poster, targets, opts...), nil
}
