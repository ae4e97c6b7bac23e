// Command sda-go manages short-lived CDSE credentials and performs
// resilient downloads of large assets under them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xyonrad/sda-go/internal/config"
	"github.com/xyonrad/sda-go/internal/store"
	"github.com/xyonrad/sda-go/internal/tokens"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
	flagJSON       bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. Available to all subcommands after the root
// pre-run phase completes.
var resolvedCfg *config.Config

// rootLogger is the process-wide structured logger, configured from
// --verbose/--quiet in the root pre-run.
var rootLogger *slog.Logger

// newRootCmd builds and returns the fully-assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sda-go",
		Short:   "CDSE credential and download client",
		Long:    "Acquire, cache, and revoke CDSE access tokens and download large assets under them.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			rootLogger = newLogger(flagVerbose, flagQuiet)

			cfgPath := flagConfigPath
			if cfgPath == "" {
				cfgPath = config.DefaultConfigPath()
			}

			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			resolvedCfg = cfg

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newFetchCmd())

	return cmd
}

// newLogger builds the stderr slog logger for the selected verbosity.
func newLogger(verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	if quiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openLifecycle opens the token database and wires up the unit-of-work
// and lifecycle managers. The returned cleanup closes the store.
func openLifecycle(ctx context.Context) (*tokens.Manager, func(), error) {
	st, err := store.Open(ctx, resolvedCfg.Store.Path, rootLogger)
	if err != nil {
		return nil, nil, err
	}

	connectTimeout, err := resolvedCfg.ConnectTimeout()
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	uow := store.NewManager(st, rootLogger)
	identity := tokens.NewIdentityClient(
		resolvedCfg.Identity.TokenURL,
		resolvedCfg.Identity.ProbeURL,
		resolvedCfg.Identity.ClientID,
		&http.Client{Timeout: connectTimeout},
		rootLogger,
	)
	manager := tokens.NewManager(uow, identity, rootLogger)

	cleanup := func() {
		if closeErr := st.Close(); closeErr != nil {
			rootLogger.Warn("closing store", slog.String("error", closeErr.Error()))
		}
	}

	return manager, cleanup, nil
}

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// commandTimeout bounds a whole CLI command that talks to the network.
const commandTimeout = 15 * time.Minute

// commandContext returns the bounded context for one command run.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}
