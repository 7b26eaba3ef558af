// Command nsannotations-mcp serves the annotation tools over MCP stdio. It
// reads and writes repositories directly with GITHUB_TOKEN.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"github.com/flatironinstitute/neurosift-annotations/internal/annotations"
	"github.com/flatironinstitute/neurosift-annotations/internal/config"
	"github.com/flatironinstitute/neurosift-annotations/internal/logging"
	"github.com/flatironinstitute/neurosift-annotations/internal/mcptools"
)

var version = "dev"

func main() {
	configFlag := flag.String("config", "", "YAML config file")
	repoFlag := flag.String("repo", os.Getenv("NSA_REPO"), "default annotation repository as owner/name")
	flag.Parse()

	// stdout carries the protocol, so logs go to stderr.
	logger, err := logging.New(os.Stderr, "text", "info")
	if err != nil {
		log.Fatalf("nsannotations-mcp: %v", err)
	}
	mcpServer, closeFn, err := buildMCPServer(*configFlag, *repoFlag, os.Getenv("GITHUB_TOKEN"), logger)
	if err != nil {
		log.Fatalf("nsannotations-mcp: %v", err)
	}
	defer closeFn()

	if err := server.ServeStdio(mcpServer); err != nil {
		log.Fatalf("nsannotations-mcp: %v", err)
	}
}

func buildMCPServer(configPath, repo, token string, logger *slog.Logger) (*server.MCPServer, func(), error) {
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(token) == "" {
		logger.Warn("GITHUB_TOKEN is not set, only public repositories can be read")
	}
	cache, err := annotations.BuildCacheStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize cache store: %w", err)
	}
	closeFn := func() {
		if c, ok := cache.(io.Closer); ok {
			_ = c.Close()
		}
	}
	syncer, err := annotations.NewSyncer(annotations.SyncerOptions{
		Content: annotations.NewGitHubContentClient(annotations.GitHubClientOptions{
			BaseURL:               cfg.GitHubAPIURL,
			HTTPClient:            &http.Client{Timeout: cfg.GitHubTimeout},
			MaxRetries:            cfg.GitHubMaxRetries,
			MinRateLimitRemaining: cfg.MinRateLimitRemaining,
			Logger:                logger,
		}),
		Cache:                 cache,
		Logger:                logger,
		PartitionByCredential: cfg.CachePerCredential,
		CommitMessage:         cfg.CommitMessage,
		Branch:                cfg.Branch,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	mcpServer := server.NewMCPServer(
		"nsannotations-mcp",
		version,
		server.WithToolCapabilities(true),
	)
	mcptools.Register(mcpServer, syncer, mcptools.Options{
		Credential:          annotations.Credential(strings.TrimSpace(token)),
		DefaultRepo:         repo,
		DefaultInstanceName: cfg.DefaultInstanceName,
	})
	return mcpServer, closeFn, nil
}
