package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [account-id]",
	Short: "Sync accounts into the local store",
	Long: `Sync pulls new and changed messages from the provider. The first run
for an account walks the mailbox (newest first, up to the configured
cap); later runs replay the provider's change feed from the stored
cursor. With no account id every active account is synced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			result, err := service.Sync(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%s sync: +%d emails, -%d deleted, %d updated (%s)\n",
				result.SyncType, result.EmailsAdded, result.EmailsDeleted,
				result.LabelsChanged, result.Duration.Round(1e7))
			return nil
		}

		results, err := service.SyncAll(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%-32s %s sync: +%d emails, -%d deleted, %d updated\n",
				r.Email, r.SyncType, r.EmailsAdded, r.EmailsDeleted, r.LabelsChanged)
		}
		return nil
	},
}

var statsAccountRuns int

var statsCmd = &cobra.Command{
	Use:   "stats <account-id>",
	Short: "Show an account's sync history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account id %q", args[0])
		}
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := service.SyncStats(id, statsAccountRuns)
		if err != nil {
			return err
		}
		s := stats.Summary
		fmt.Printf("runs: %d (%d failed)  emails added: %d  deleted: %d\n",
			s.Runs, s.Failures, s.EmailsAdded, s.EmailsDeleted)
		if s.LastError != "" {
			fmt.Printf("last error: %s\n", s.LastError)
		}
		for _, m := range stats.RecentRuns {
			status := "ok"
			if !m.Success {
				status = "FAILED"
			}
			fmt.Printf("  %s  %-7s +%d/-%d  %s  %s\n",
				m.SyncedAt.Format("2006-01-02 15:04:05"), m.SyncType,
				m.EmailsAdded, m.EmailsDeleted, m.Duration.Round(1e7), status)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsAccountRuns, "runs", 10, "recent runs to show")
	rootCmd.AddCommand(syncCmd, statsCmd)
}
