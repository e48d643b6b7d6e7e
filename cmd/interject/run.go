package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interject/internal/auth"
	"github.com/mistakeknot/interject/internal/bot"
	"github.com/mistakeknot/interject/internal/config"
	httpapi "github.com/mistakeknot/interject/internal/http"
	"github.com/mistakeknot/interject/internal/llm"
	"github.com/mistakeknot/interject/internal/server"
	"github.com/mistakeknot/interject/internal/settings"
	"github.com/mistakeknot/interject/internal/storage"
	"github.com/mistakeknot/interject/internal/storage/postgres"
	"github.com/mistakeknot/interject/internal/storage/sqlite"
	"github.com/mistakeknot/interject/internal/transport"
	"github.com/mistakeknot/interject/internal/ws"
)

func runCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the chat gateway and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, true)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("gateway-url", "", "Chat gateway websocket URL.")
	cmd.Flags().String("store-dsn", "", "SQLite path or postgres:// URL.")
	cmd.Flags().String("settings", "", "Bot settings file (YAML or JSONC) loaded at startup.")
	cmd.Flags().String("http-addr", "", "Admin API listen address.")
	bindFlags(v, cmd, map[string]string{
		"gateway.url":   "gateway-url",
		"store.dsn":     "store-dsn",
		"settings.file": "settings",
		"http.addr":     "http-addr",
	})
	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.SettingsFile != "" {
		s, err := settings.LoadFile(cfg.SettingsFile)
		if err != nil {
			return &config.ConfigurationError{Key: "settings.file", Reason: err.Error()}
		}
		if err := store.SaveSettings(ctx, s); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		logger.Info("settings_loaded", "path", cfg.SettingsFile)
	}

	codec, err := transport.NewCodec(cfg.Gateway.Encoding, cfg.Gateway.Compression)
	if err != nil {
		return &config.ConfigurationError{Key: "gateway.encoding", Reason: err.Error()}
	}
	client := transport.NewClient(cfg.Gateway.URL,
		transport.WithToken(cfg.Gateway.Token),
		transport.WithCodec(codec),
		transport.WithLogger(logger),
		transport.WithEventBuffer(cfg.Gateway.EventBuffer),
	)

	var gen llm.Generator
	if cfg.LLM.APIKey != "" {
		gen = llm.NewOpenAI(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	} else {
		logger.Warn("llm_not_configured", "hint", "set INTERJECT_LLM_API_KEY to enable replies")
	}

	hub := ws.NewHub()
	feed := ws.NewFeed(store, hub)
	b, err := bot.New(bot.Deps{
		Transport: client,
		Store:     feed,
		Generator: gen,
		Logger:    logger,
	}, bot.Options{Retention: cfg.Store.Retention})
	if err != nil {
		return err
	}

	keyring, err := auth.LoadKeyring(auth.ResolveKeysPath(cfg.HTTP.KeysFile))
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}
	router := httpapi.NewRouter(httpapi.NewService(feed, b), hub.Handler(), auth.Middleware(keyring))
	srv, err := server.New(server.Config{
		Addr:       cfg.HTTP.Addr,
		SocketPath: cfg.HTTP.SocketPath,
		Handler:    router,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Store, logger *slog.Logger) (storage.Store, error) {
	if cfg.IsPostgres() {
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		logger.Info("store_opened", "driver", "postgres")
		return st, nil
	}
	st, err := sqlite.New(cfg.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	logger.Info("store_opened", "driver", "sqlite", "path", cfg.DSN)
	return sqlite.NewResilient(st, logger), nil
}
