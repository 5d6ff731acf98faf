package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/intentmail/intentmail/internal/ops"
)

var (
	searchAccountID int64
	searchFrom      string
	searchLabel     string
	searchUnread    bool
	searchAfter     string
	searchBefore    string
	searchLimit     int
)

var searchCmd = &cobra.Command{
	Use:   "search [query...]",
	Short: "Search stored emails",
	Long: `Search runs free text through the full-text index (subject, body,
sender) and intersects it with the structured flags. Results are newest
first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		in := ops.SearchInput{
			AccountID: searchAccountID,
			Query:     strings.Join(args, " "),
			From:      searchFrom,
			Label:     searchLabel,
			After:     searchAfter,
			Before:    searchBefore,
			Limit:     searchLimit,
		}
		if searchUnread {
			t := true
			in.Unread = &t
		}

		out, err := service.Search(in)
		if err != nil {
			return err
		}
		for _, e := range out.Emails {
			marker := " "
			if e.Unread {
				marker = "*"
			}
			from := e.FromName
			if from == "" {
				from = e.From
			}
			fmt.Printf("%s %5d  %s  %-24.24s  %s\n",
				marker, e.ID, e.Date.Format("2006-01-02"), from, e.Subject)
		}
		fmt.Printf("%d of %d result(s)", len(out.Emails), out.Total)
		if out.HasMore {
			fmt.Print(" (more available)")
		}
		fmt.Println()
		return nil
	},
}

func init() {
	searchCmd.Flags().Int64Var(&searchAccountID, "account", 0, "restrict to one account id")
	searchCmd.Flags().StringVar(&searchFrom, "from", "", "filter by sender")
	searchCmd.Flags().StringVar(&searchLabel, "label", "", "filter by label")
	searchCmd.Flags().BoolVar(&searchUnread, "unread", false, "only unread")
	searchCmd.Flags().StringVar(&searchAfter, "after", "", "only after date (YYYY-MM-DD)")
	searchCmd.Flags().StringVar(&searchBefore, "before", "", "only before date (YYYY-MM-DD)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "maximum results")
	rootCmd.AddCommand(searchCmd)
}
