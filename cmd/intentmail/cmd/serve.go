package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/intentmail/intentmail/internal/mcp"
	"github.com/intentmail/intentmail/internal/ops"
	"github.com/intentmail/intentmail/internal/scheduler"
)

var serveNoSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tool surface over stdio",
	Long: `Serve exposes every operation as an MCP tool on stdin/stdout so an
external driver can work the mailboxes. Accounts with a schedule in the
config are synced in the background while the server runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		if !serveNoSchedule {
			sched := scheduler.New(syncByEmail(service), logger)
			n, errs := sched.AddAccountsFromConfig(cfg)
			for _, e := range errs {
				logger.Warn("skipping schedule", "error", e)
			}
			if n > 0 {
				sched.Start()
				defer func() {
					drain := sched.Stop()
					select {
					case <-drain.Done():
					case <-time.After(30 * time.Second):
						logger.Warn("scheduler drain timed out")
					}
				}()
			}
		}

		logger.Info("MCP server listening on stdio")
		return mcp.Serve(cmd.Context(), service)
	},
}

// syncByEmail adapts the account-id based sync to the scheduler's
// email-addressed callback.
func syncByEmail(service *ops.Service) scheduler.SyncFunc {
	return func(ctx context.Context, email string) error {
		accounts, err := service.Store().ListAccounts()
		if err != nil {
			return err
		}
		for _, a := range accounts {
			if a.Email == email {
				_, err := service.Sync(ctx, a.ID)
				return err
			}
		}
		return fmt.Errorf("no account for %s", email)
	}
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "disable background scheduled syncs")
	rootCmd.AddCommand(serveCmd)
}
