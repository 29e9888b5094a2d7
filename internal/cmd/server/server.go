// Package server parses server command flags and starts the engine runtime.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	entrypoint "github.com/canonforge/canonforge/internal/platform/cmd"
	"github.com/canonforge/canonforge/internal/platform/config"
	"github.com/canonforge/canonforge/internal/extractor"
	"github.com/canonforge/canonforge/internal/gate"
	"github.com/canonforge/canonforge/internal/lore"
	"github.com/canonforge/canonforge/internal/seed"
	"github.com/canonforge/canonforge/internal/services/api"
	"github.com/canonforge/canonforge/internal/statemgr"
	"github.com/canonforge/canonforge/internal/storage"
	"github.com/canonforge/canonforge/internal/storage/sqlite"
	"github.com/canonforge/canonforge/internal/turn"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Config holds server command configuration.
type Config struct {
	HTTPAddr            string `env:"CANONFORGE_HTTP_ADDR" envDefault:":8080"`
	DBPath              string `env:"CANONFORGE_DB_PATH"`
	LLMAPIKey           string `env:"CANONFORGE_LLM_API_KEY"`
	LLMBaseURL          string `env:"CANONFORGE_LLM_BASE_URL"`
	LLMModel            string `env:"CANONFORGE_LLM_MODEL" envDefault:"gpt-4o-mini"`
	RAGIndexBaseDir     string `env:"CANONFORGE_RAG_INDEX_BASE_DIR"`
	DefaultStoryID      string `env:"CANONFORGE_DEFAULT_STORY_ID" envDefault:"story_1"`
	SeedPath            string `env:"CANONFORGE_SEED_PATH"`
	TurnTimeoutSeconds  int    `env:"CANONFORGE_TURN_TIMEOUT_SECONDS" envDefault:"30"`
	ExtractorRetryCount int    `env:"CANONFORGE_EXTRACTOR_RETRY_COUNT" envDefault:"1"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "The HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The sqlite database path")
	fs.StringVar(&cfg.SeedPath, "seed", cfg.SeedPath, "A scenario YAML file to seed on startup")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "canon.db")
	}
	if cfg.RAGIndexBaseDir == "" {
		cfg.RAGIndexBaseDir = filepath.Join("data", "indices")
	}
	return cfg, nil
}

// Run starts the engine API service.
func Run(ctx context.Context, cfg Config) error {
	if err := config.Require("CANONFORGE_LLM_API_KEY", cfg.LLMAPIKey); err != nil {
		return err
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close store: %v", err)
			}
		}()

		manager := statemgr.NewManager(store)

		if cfg.SeedPath != "" {
			scenario, err := seed.Load(cfg.SeedPath)
			if err != nil {
				return fmt.Errorf("load seed: %w", err)
			}
			if scenario.StoryID == "" {
				scenario.StoryID = cfg.DefaultStoryID
			}
			if err := seed.Install(ctx, store, scenario); err != nil {
				return fmt.Errorf("install seed: %w", err)
			}
		}

		// The chat-client collaborator addresses this story without creating
		// it first, so make sure it exists before serving.
		if _, err := manager.GetState(ctx, cfg.DefaultStoryID); errors.Is(err, storage.ErrNotFound) {
			if _, err := manager.InitializeState(ctx, cfg.DefaultStoryID); err != nil {
				return fmt.Errorf("initialize default story: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("load default story: %w", err)
		}

		extr, err := extractor.New(extractor.Config{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			Retries: cfg.ExtractorRetryCount,
		})
		if err != nil {
			return fmt.Errorf("build extractor: %w", err)
		}

		orchestrator, err := turn.New(turn.Config{
			Manager:   manager,
			Gate:      gate.New(),
			Extractor: extr,
			Events:    store,
			Timeout:   time.Duration(cfg.TurnTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("build orchestrator: %w", err)
		}

		handler, err := api.New(orchestrator, manager, store, lore.NewSearcher(cfg.RAGIndexBaseDir))
		if err != nil {
			return fmt.Errorf("build api handler: %w", err)
		}

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: readHeaderTimeout,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Printf("server listening on %s", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			return nil
		})
		return g.Wait()
	})
}
