package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyang/delegate-broker/internal/adapter/auth"
	"github.com/alanyang/delegate-broker/internal/config"
	"github.com/alanyang/delegate-broker/internal/wire"
)

const shutdownTimeout = 10 * time.Second

func run(ctx context.Context, args []string) int {
	root := newRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// cliState is filled by the root command before any subcommand runs.
type cliState struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd(version string) *cobra.Command {
	st := &cliState{}
	cmd := &cobra.Command{
		Use:          "broker",
		Short:        "Delegate task broker",
		SilenceUsage: true,
		Version:      version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(st.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st.cfg = cfg
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: parseLevel(cfg.Logger.Level),
			})))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&st.configPath, "config", "", "config file (default: broker.yaml in . or ./configs)")
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(newServeCmd(st))
	cmd.AddCommand(newMigrateCmd(st))
	cmd.AddCommand(newTokenCmd(st))
	return cmd
}

func newServeCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, streaming and MCP endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), st.cfg)
		},
	}
}

func newMigrateCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return wire.Migrate(cmd.Context(), st.cfg.Store)
		},
	}
}

func newTokenCmd(st *cliState) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token ACCOUNT",
		Short: "Issue a bearer token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if st.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			token, err := auth.NewVerifier([]byte(st.cfg.Auth.JWTSecret), st.cfg.Auth.Issuer).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	app, err := wire.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close()

	app.StartBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("broker listening", "addr", app.Server.Addr)
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if serveErr != nil {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	slog.Info("delegate broker stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
