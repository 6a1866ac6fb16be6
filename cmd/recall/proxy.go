package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/recall-ai/recall/pkg/backend"
	cachepkg "github.com/recall-ai/recall/pkg/cache"
	"github.com/recall-ai/recall/pkg/config"
	"github.com/recall-ai/recall/pkg/fingerprint"
	"github.com/recall-ai/recall/pkg/models"
	"github.com/recall-ai/recall/pkg/proxy"
	"github.com/recall-ai/recall/pkg/router"
	"github.com/recall-ai/recall/pkg/store/sqlite"
	"github.com/recall-ai/recall/pkg/tracker"
)

func newProxyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Start the caching completion proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			var store cachepkg.Store
			if cfg.Cache.Enabled {
				st, err := sqlite.Open(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("init store: %w", err)
				}
				defer func() { _ = st.Close() }()
				store = st
			}

			b := backend.NewHTTP(cfg.Backend, router.New(cfg.ModelAliases))
			c := cachepkg.New(fingerprint.New(cfg.Cache.IncludeModelInKey), store, b)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			warmup(ctx, cfg, b)

			srv := proxy.New(cfg, c, tr)
			log.Printf("starting recall proxy with config: %s", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "recall.yaml", "path to config file")
	return cmd
}

// warmup sends one throwaway completion so the backend loads the model
// before the first real request. Bypasses the cache on purpose.
func warmup(ctx context.Context, cfg *config.Config, b backend.Invoker) {
	if !cfg.Warmup.Enabled || cfg.Warmup.Model == "" {
		return
	}

	log.Printf("warming up model %s", cfg.Warmup.Model)
	start := time.Now()
	_, err := b.Complete(ctx, cfg.Warmup.Model,
		[]models.ChatMessage{{Role: "user", Content: "Warmup query"}},
		models.DefaultTemperature)
	if err != nil {
		log.Printf("warmup failed: %v", err)
		return
	}
	log.Printf("warmup finished in %s", time.Since(start).Round(time.Millisecond))
}
