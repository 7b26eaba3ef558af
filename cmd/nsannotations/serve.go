package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flatironinstitute/neurosift-annotations/internal/annotations"
	"github.com/flatironinstitute/neurosift-annotations/internal/config"
	"github.com/flatironinstitute/neurosift-annotations/internal/httpapi"
	"github.com/flatironinstitute/neurosift-annotations/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the annotation HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, addr, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file, reloaded on change")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config file and NSA_ADDR")
	return cmd
}

func runServe(ctx context.Context, configPath, addr string, logOut io.Writer) error {
	bootLogger, err := logging.New(logOut, "text", "info")
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath, bootLogger)
	if err != nil {
		return err
	}
	if addr = strings.TrimSpace(addr); addr != "" {
		cfg.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(logOut, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn("closing stores failed", "error", closeErr)
		}
	}()

	if configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, logger, app.apply); err != nil {
				logger.Warn("config watch stopped", "path", configPath, "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("nsannotations listening", "addr", cfg.Addr, "cache_dsn_scheme", dsnScheme(cfg.CacheDSN))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type app struct {
	handler http.Handler
	content *annotations.GitHubContentClient
	live    *config.Live
	logger  *slog.Logger
	closers []io.Closer
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	cache, err := annotations.BuildCacheStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache store: %w", err)
	}
	store, err := annotations.BuildAnnotationStoreFromDSN(cfg.AnnotationsDSN)
	if err != nil {
		closeAll([]io.Closer{asCloser(cache)})
		return nil, fmt.Errorf("failed to initialize annotation store: %w", err)
	}
	a := &app{logger: logger, closers: []io.Closer{asCloser(cache), asCloser(store)}}

	githubOpts := annotations.GitHubClientOptions{
		BaseURL:               cfg.GitHubAPIURL,
		HTTPClient:            &http.Client{Timeout: cfg.GitHubTimeout},
		MaxRetries:            cfg.GitHubMaxRetries,
		MinRateLimitRemaining: cfg.MinRateLimitRemaining,
		Logger:                logger,
	}
	a.content = annotations.NewGitHubContentClient(githubOpts)
	events := annotations.NewEventBroker(annotations.EventBrokerOptions{})
	syncer, err := annotations.NewSyncer(annotations.SyncerOptions{
		Content:               a.content,
		Cache:                 cache,
		Events:                events,
		Logger:                logger,
		PartitionByCredential: cfg.CachePerCredential,
		CommitMessage:         cfg.CommitMessage,
		Branch:                cfg.Branch,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var oauth httpapi.CodeExchanger
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		oauth = annotations.NewOAuthExchanger(annotations.OAuthOptions{
			BaseURL:      cfg.GitHubOAuthURL,
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			HTTPClient:   &http.Client{Timeout: cfg.GitHubTimeout},
		})
	} else {
		logger.Warn("github oauth client is not configured, /api/auth is disabled")
	}

	a.live = config.NewLive(cfg.Dynamic())
	a.handler = httpapi.NewServer(httpapi.ServerOptions{
		Syncer:      syncer,
		Annotations: store,
		Identity:    annotations.NewGitHubIdentityResolver(githubOpts),
		OAuth:       oauth,
		Events:      events,
		Origins:     a.live,
		Logger:      logger,
		Config: httpapi.ServerConfig{
			InternalHMACSecret:  cfg.InternalHMACSecret,
			InternalMaxSkew:     cfg.InternalMaxSkew,
			RateLimitMax:        cfg.RateLimitMax,
			RateLimitWindow:     cfg.RateLimitWindow,
			MaxBodyBytes:        cfg.MaxBodyBytes,
			DefaultInstanceName: cfg.DefaultInstanceName,
			LoginRedirectURL:    cfg.LoginRedirectURL,
		},
	})
	return a, nil
}

// apply swaps in the settings that can change without a restart.
func (a *app) apply(next config.Config) {
	a.live.Store(next.Dynamic())
	a.content.SetMinRateLimitRemaining(next.MinRateLimitRemaining)
	a.logger.Info("config reloaded",
		"allowed_origins", len(next.AllowedOrigins),
		"min_rate_limit_remaining", next.MinRateLimitRemaining,
	)
}

func (a *app) Close() error {
	return closeAll(a.closers)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func asCloser(v any) io.Closer {
	if c, ok := v.(io.Closer); ok {
		return c
	}
	return nil
}

func dsnScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	if dsn == "" {
		return "memory"
	}
	return "file"
}
