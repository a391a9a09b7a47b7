package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/adapter"
	"github.com/xkilldash9x/applypilot/internal/browser"
	"github.com/xkilldash9x/applypilot/internal/display"
	"github.com/xkilldash9x/applypilot/internal/observability"
	"github.com/xkilldash9x/applypilot/internal/qa"
	"github.com/xkilldash9x/applypilot/internal/ratelimit"
	"github.com/xkilldash9x/applypilot/internal/session"
	"github.com/xkilldash9x/applypilot/internal/store"
	"github.com/xkilldash9x/applypilot/internal/transport"
)

var credentialsFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the applypilot session service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&credentialsFile, "credentials", "", "YAML file with per-user site credentials (development vault)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	logger := observability.GetLogger()
	cfg := appCfg

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -- Stores --
	var (
		answers schemas.AnswerStore
		usage   schemas.UsageStore
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to create database pool: %w", err)
		}
		defer pool.Close()

		pg, err := store.NewPostgres(ctx, pool, logger)
		if err != nil {
			return err
		}
		answers, usage = pg, pg
	} else {
		logger.Warn("No database configured; answer history and quotas are in-memory only.")
		answers, usage = store.NewMemoryAnswers(), store.NewMemoryUsage()
	}

	vault, err := loadVault()
	if err != nil {
		return err
	}

	// -- Display stack (optional; portals degrade to manual without it) --
	var displayServer display.DisplayServer
	if xvfb, err := display.NewXvfbServer(cfg.Portal.ViewerBaseURL, cfg.Portal.DisplayDir, logger); err != nil {
		logger.Warn("Virtual display stack unavailable; checkpoints will require manual completion.", zap.Error(err))
	} else {
		displayServer = xvfb
	}
	broker := display.NewBroker(cfg.Portal, displayServer, logger)

	// -- Core components --
	launcher := browser.NewLauncher(cfg.Browser, broker, logger)
	pageAdapter := adapter.New(adapter.DefaultProfile(), logger)
	limiter := ratelimit.New(usage, cfg.Quota.DailyBase, cfg.Quota.StreakBonus, logger)

	var orch *session.Orchestrator
	// The hub needs the orchestrator as its answer sink and the orchestrator
	// needs the hub as its notifier; the indirection breaks the cycle.
	hub := transport.NewHub(answerSinkFunc(func(userID, value string) { orch.SubmitAnswer(userID, value) }), logger)
	channel := qa.NewChannel(answers, hub, cfg.Session.AnswerTimeout, logger)
	orch = session.New(cfg.Session, vault, pageAdapter, launcher, broker, channel, limiter, answers, hub, logger)

	server := transport.NewServer(orch, broker, hub, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		broker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		orch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP server listening.", zap.String("addr", cfg.Server.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down.")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown error.", zap.Error(err))
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Session shutdown error.", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Service stopped.")
	return err
}

// answerSinkFunc adapts a function to transport.AnswerSink.
type answerSinkFunc func(userID, value string)

func (f answerSinkFunc) SubmitAnswer(userID, value string) { f(userID, value) }

// loadVault builds the development credential vault from the --credentials
// file. Production deployments replace this with the real vault service.
func loadVault() (schemas.CredentialVault, error) {
	vault := store.NewStaticVault(nil)
	if credentialsFile == "" {
		return vault, nil
	}

	v := viper.New()
	v.SetConfigFile(credentialsFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var entries map[string]struct {
		Identity string `mapstructure:"identity"`
		Secret   string `mapstructure:"secret"`
	}
	if err := v.Unmarshal(&entries); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	for userID, c := range entries {
		vault.Set(userID, schemas.Credentials{Identity: c.Identity, Secret: c.Secret})
	}
	return vault, nil
}
