// Package embedded runs an interject bot and its admin API in-process.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interject/internal/auth"
	"github.com/mistakeknot/interject/internal/bot"
	httpapi "github.com/mistakeknot/interject/internal/http"
	"github.com/mistakeknot/interject/internal/llm"
	"github.com/mistakeknot/interject/internal/server"
	"github.com/mistakeknot/interject/internal/storage/sqlite"
	"github.com/mistakeknot/interject/internal/transport"
	"github.com/mistakeknot/interject/internal/ws"
)

// Config configures the embedded runtime.
type Config struct {
	// DBPath is the SQLite database file.
	// If empty, defaults to ~/.interject/interject.db
	DBPath string

	// Addr is the admin API listen address.
	// If empty, defaults to 127.0.0.1:7340.
	Addr string

	GatewayURL   string
	GatewayToken string

	// LLMAPIKey enables replies; without it the bot only observes.
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// KeysFile enables API key auth for non-local callers.
	KeysFile string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	store  *sqlite.Store
	bot    *bot.Bot
	http   *server.Server
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan error
}

// New opens the store and binds the admin listener. Nothing connects to
// the gateway until Start.
func New(cfg Config) (*Server, error) {
	if cfg.GatewayURL == "" {
		return nil, errors.New("gateway url required")
	}
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".interject", "interject.db")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7340"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := sqlite.New(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var keyring *auth.Keyring
	if cfg.KeysFile != "" {
		keyring, err = auth.LoadKeyring(cfg.KeysFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load auth: %w", err)
		}
	}

	var gen llm.Generator
	if cfg.LLMAPIKey != "" {
		gen = llm.NewOpenAI(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	}

	hub := ws.NewHub()
	feed := ws.NewFeed(sqlite.NewResilient(store, logger), hub)
	client := transport.NewClient(cfg.GatewayURL,
		transport.WithToken(cfg.GatewayToken),
		transport.WithLogger(logger),
	)
	b, err := bot.New(bot.Deps{Transport: client, Store: feed, Generator: gen, Logger: logger}, bot.Options{})
	if err != nil {
		store.Close()
		return nil, err
	}
	router := httpapi.NewRouter(httpapi.NewService(feed, b), hub.Handler(), auth.Middleware(keyring))
	srv, err := server.New(server.Config{Addr: cfg.Addr, Handler: router, Logger: logger})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("server init: %w", err)
	}
	return &Server{cfg: cfg, store: store, bot: b, http: srv, logger: logger}, nil
}

// Start runs the bot and the admin API in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return s.bot.Run(gctx) })
		g.Go(func() error { return s.http.Run(gctx) })
		err := g.Wait()
		if err != nil {
			s.logger.Error("embedded_runtime_stopped", "error", err)
		}
		s.done <- err
	}()
	return nil
}

// Stop shuts both down, waits for them and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return s.store.Close()
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	err := <-done
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) Addr() string { return s.http.Addr() }

func (s *Server) URL() string { return "http://" + s.http.Addr() }

// Store returns the underlying store for direct access if needed.
func (s *Server) Store() *sqlite.Store { return s.store }
