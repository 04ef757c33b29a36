// Command recall-mcp runs the Recall MCP server: an OAuth 2.1 protected
// HTTP endpoint exposing personal record tools, with multi-tier access
// secrets resolved per call.
//
// Subcommands:
//
//	hash-secret            print the SHA-256 hex digest of a secret for the policy file
//	apikey create <name>   mint an API key (raw key printed once)
//	apikey list            list API keys
//	apikey revoke <id>     revoke an API key
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/recallhq/recall/internal/access"
	"github.com/recallhq/recall/internal/auth"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/logging"
	"github.com/recallhq/recall/internal/mcpserver"
	"github.com/recallhq/recall/internal/records"
	"github.com/recallhq/recall/internal/server"
	"github.com/recallhq/recall/internal/store"
)

var Version = "dev"

func main() {
	// Handle subcommands before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-secret":
			hashSecret()
			return
		case "apikey":
			if err := apikeyCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashSecret prints the policy-file digest of a secret read from stdin.
// Reading from stdin keeps the raw secret out of shell history.
func hashSecret() {
	fmt.Fprint(os.Stderr, "Enter secret: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	fmt.Println(access.Hash(scanner.Text()))
}

func apikeyCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: recall-mcp apikey create|list|revoke")
	}

	s, err := openStoreAt(os.Getenv("RECALL_AUTH_DB"))
	if err != nil {
		return fmt.Errorf("opening auth store: %w", err)
	}
	defer s.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	keys := auth.NewAPIKeyManager(s, logger)

	switch args[0] {
	case "create":
		if len(args) < 2 || args[1] == "" {
			return fmt.Errorf("usage: recall-mcp apikey create <name>")
		}
		raw, id, err := keys.Create(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("id:  %s\n", id)
		fmt.Printf("key: %s\n", raw)
		fmt.Fprintln(os.Stderr, "The key is shown once and stored only as a hash.")
		return nil

	case "list":
		infos, err := keys.List()
		if err != nil {
			return err
		}
		for _, k := range infos {
			lastUsed := "never"
			if k.LastUsed != nil {
				lastUsed = k.LastUsed.Format(time.RFC3339)
			}
			status := "active"
			if k.Revoked {
				status = "revoked"
			}
			fmt.Printf("%s  %-20s  %s  created=%s  last_used=%s\n",
				k.ID, k.Name, status, k.CreatedAt.Format(time.RFC3339), lastUsed)
		}
		return nil

	case "revoke":
		if len(args) < 2 || args[1] == "" {
			return fmt.Errorf("usage: recall-mcp apikey revoke <id>")
		}
		revoked, err := keys.Revoke(args[1])
		if err != nil {
			return err
		}
		if !revoked {
			fmt.Println("key was already revoked")
			return nil
		}
		fmt.Println("key revoked")
		return nil

	default:
		return fmt.Errorf("unknown apikey subcommand %q", args[0])
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("recall-mcp starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("server_url", cfg.ServerURL),
	)

	watcher, err := config.NewPolicyWatcher(cfg.PolicyPath, logger)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	authStore, err := openStoreAt(cfg.AuthDBPath)
	if err != nil {
		return fmt.Errorf("opening auth store: %w", err)
	}
	defer authStore.Close()

	recordsPath := cfg.RecordsDBPath
	if recordsPath == "" {
		recordsPath = records.DefaultPath()
	}

	recordStore, err := records.Open(recordsPath)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer recordStore.Close()

	tokens := auth.NewTokenService(authStore, logger)
	keys := auth.NewAPIKeyManager(authStore, logger)
	gateway := auth.NewGateway(watcher.Policy, logger)

	// MCP server setup.
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "recall-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, gateway, recordStore)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Store:          authStore,
		Tokens:         tokens,
		Keys:           keys,
		PassphraseHash: watcher.PassphraseHash(),
		ScopeNames:     watcher.ScopeNames(),
		MCPHandler:     mcpHandler,
		Logger:         logger,
		ServerURL:      cfg.ServerURL,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := watcher.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("policy watcher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openStoreAt(path string) (*store.BoltStore, error) {
	if path != "" {
		return store.OpenAt(path)
	}
	return store.Open()
}
