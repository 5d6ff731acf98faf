// Package cmd implements the intentmail CLI.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/intentmail/intentmail/internal/cache"
	"github.com/intentmail/intentmail/internal/config"
	"github.com/intentmail/intentmail/internal/ops"
	"github.com/intentmail/intentmail/internal/store"
	"github.com/intentmail/intentmail/internal/vault"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "intentmail",
	Short: "Local multi-account email workstation",
	Long: `intentmail syncs Gmail, Outlook, and IMAP mailboxes into a local
SQLite store with full-text search, automation rules with audited
rollback, and an MCP tool surface for external drivers.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.intentmail/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// ExecuteContext runs the root command with the given context, enabling
// graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openService builds the full stack: store, vault, attachment cache, and
// the operation façade. The store is closed by the returned func.
func openService() (*ops.Service, func(), error) {
	if cfg.EncryptionKey == "" {
		return nil, nil, fmt.Errorf("no encryption key: set %s", config.EnvEncryptionKey)
	}
	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath(), err)
	}
	c, err := cache.New(st, cfg.AttachmentCacheDir(), cache.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	service := ops.New(cfg, st, v, c, ops.WithLogger(logger))
	return service, func() { st.Close() }, nil
}
