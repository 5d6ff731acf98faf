package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/intentmail/intentmail/internal/ops"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var listRulesCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		ruleList, err := service.ListRules(0)
		if err != nil {
			return err
		}
		for _, r := range ruleList {
			state := "active"
			if !r.IsActive {
				state = "inactive"
			}
			fmt.Printf("%4d  account %d  %-30s %-12s %d cond, %d action(s)  %s\n",
				r.ID, r.AccountID, r.Name, r.Trigger,
				len(r.Conditions), len(r.Actions), state)
		}
		return nil
	},
}

var createRuleCmd = &cobra.Command{
	Use:   "create <rule.json>",
	Short: "Create a rule from a JSON definition",
	Long: `Create validates and stores a rule. The JSON file carries the same
shape the apply/list commands print:

  {
    "accountId": 1,
    "name": "File newsletters",
    "trigger": "onNewEmail",
    "conditions": [{"field":"from","operator":"contains","value":"@newsletter"}],
    "actions": [{"type":"applyLabel","value":"News"},{"type":"archive"}],
    "isActive": true
  }`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var in ops.RuleInput
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := service.CreateRule(in)
		if err != nil {
			if result != nil {
				for _, issue := range result.Issues {
					fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", issue.Severity, issue.Field, issue.Code)
				}
			}
			return err
		}
		fmt.Printf("Created rule %d (%s)\n", result.Rule.ID, result.Rule.Name)
		for _, issue := range result.Issues {
			fmt.Printf("  warning: %s: %s\n", issue.Field, issue.Code)
		}
		return nil
	},
}

var deleteRuleCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rule id %q", args[0])
		}
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := service.DeleteRule(id); err != nil {
			return err
		}
		fmt.Printf("Deleted rule %d\n", id)
		return nil
	},
}

var applyDryRun bool

var applyRuleCmd = &cobra.Command{
	Use:   "apply <rule-id>",
	Short: "Run a rule over the account's recent emails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rule id %q", args[0])
		}
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := service.ApplyRule(cmd.Context(), ops.ApplyRuleInput{
			RuleID: id,
			DryRun: applyDryRun,
		})
		if err != nil {
			return err
		}
		mode := "applied"
		if report.DryRun {
			mode = "would apply (dry run)"
		}
		fmt.Printf("Rule %d: %d evaluated, %d matched, %s\n",
			report.RuleID, report.Evaluated, report.Matched, mode)
		for _, r := range report.Results {
			if !r.Matched {
				continue
			}
			fmt.Printf("  email %d: %v", r.EmailID, r.Actions)
			if r.Error != "" {
				fmt.Printf("  ERROR: %s", r.Error)
			}
			fmt.Println()
		}
		return nil
	},
}

var rollbackRule bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback <audit-id|rule-id>",
	Short: "Undo a rule execution from its audit entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		if rollbackRule {
			diffs, err := service.RollbackRule(id)
			if err != nil {
				return err
			}
			fmt.Printf("Rolled back %d execution(s) of rule %d\n", len(diffs), id)
			return nil
		}
		diff, err := service.Rollback(id)
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back audit entry %d on email %d (+%v -%v)\n",
			id, diff.EmailID, diff.AddLabels, diff.RemoveLabels)
		return nil
	},
}

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit [rule-id]",
	Short: "Show the rule execution log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ruleID int64
		if len(args) == 1 {
			var err error
			ruleID, err = strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
		}
		service, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := service.AuditLog(ruleID, 0, auditLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			status := "no match"
			if e.Matched {
				status = string(e.Actions)
			}
			if e.DryRun {
				status += " (dry run)"
			}
			if e.RolledBack {
				status += " (rolled back)"
			}
			if e.Error != "" {
				status += "  ERROR: " + e.Error
			}
			fmt.Printf("%5d  %s  rule %d  email %d  %s\n",
				e.ID, e.ExecutedAt.Format("2006-01-02 15:04:05"), e.RuleID, e.EmailID, status)
		}
		return nil
	},
}

func init() {
	applyRuleCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "evaluate without applying")
	rollbackCmd.Flags().BoolVar(&rollbackRule, "rule", false, "treat the id as a rule id and roll back all of its executions")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries")

	rulesCmd.AddCommand(listRulesCmd, createRuleCmd, deleteRuleCmd, applyRuleCmd)
	rootCmd.AddCommand(rulesCmd, rollbackCmd, auditCmd)
}
