package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/intentmail/intentmail/internal/ops"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage connected email accounts",
}

var listAccountsCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		accounts, err := service.ListAccounts()
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts configured. Use 'intentmail accounts add-oauth' or 'add-imap'.")
			return nil
		}
		for _, a := range accounts {
			state := "active"
			if !a.IsActive {
				state = "inactive"
			}
			fmt.Printf("%4d  %-10s %-32s %-6s %8d emails  %s\n",
				a.ID, a.Provider, a.Email, a.AuthType, a.EmailCount, state)
		}
		return nil
	},
}

var addOAuthCmd = &cobra.Command{
	Use:   "add-oauth <gmail|outlook>",
	Short: "Connect a Gmail or Outlook account via browser OAuth",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		info, err := service.Authorize(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Connected %s (%s), account id %d\n", info.Email, info.Provider, info.ID)
		return nil
	},
}

var (
	imapHost string
	imapPort int
	smtpHost string
	smtpPort int
)

var addIMAPCmd = &cobra.Command{
	Use:   "add-imap <email> <password>",
	Short: "Connect an IMAP/SMTP account with a password or app password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := service.IMAPAuth(cmd.Context(), ops.IMAPAuthInput{
			Email:    args[0],
			Password: args[1],
			IMAPHost: imapHost,
			IMAPPort: imapPort,
			SMTPHost: smtpHost,
			SMTPPort: smtpPort,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Connected %s (%s), account id %d\n",
			result.Account.Email, result.Account.Provider, result.Account.ID)
		if result.Note != "" {
			fmt.Println(result.Note)
		}
		return nil
	},
}

var removeAccountCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Remove an account and all of its local data",
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

		if err := service.RemoveAccount(id); err != nil {
			return err
		}
		fmt.Printf("Removed account %d\n", id)
		return nil
	},
}

func init() {
	addIMAPCmd.Flags().StringVar(&imapHost, "imap-host", "", "IMAP server host (detected when omitted)")
	addIMAPCmd.Flags().IntVar(&imapPort, "imap-port", 993, "IMAP server port")
	addIMAPCmd.Flags().StringVar(&smtpHost, "smtp-host", "", "SMTP server host (detected when omitted)")
	addIMAPCmd.Flags().IntVar(&smtpPort, "smtp-port", 587, "SMTP server port")

	accountsCmd.AddCommand(listAccountsCmd, addOAuthCmd, addIMAPCmd, removeAccountCmd)
	rootCmd.AddCommand(accountsCmd)
}
