package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/rules"
	"dues-reconciliation-service/pkg/errors"
)

// rulesCmd represents the rules command group
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and manage matching rules",
	Long: `Rules lists the matching rules in evaluation order and changes them.

Changes are stored and apply to every later run. Built-in rules can be
disabled or moved; custom rules are added from a YAML rules file.

Examples:
  reconciler rules list
  reconciler rules disable ipl-keyword
  reconciler rules priority name-match 15
  reconciler rules import aturan.yaml
  reconciler rules export aturan.yaml`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			writeRules(cmd.OutOrStdout(), s.engine.Rules().Rules())
			return nil
		})
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleEnabled(cmd, args[0], true)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleEnabled(cmd, args[0], false)
	},
}

var rulesPriorityCmd = &cobra.Command{
	Use:   "priority <rule-id> <priority>",
	Short: "Move a rule to a new priority; lower runs first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.ValidationError(errors.CodeInvalidData, "priority", args[1], err)
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			err := s.engine.UpdateRules(func(e *rules.Engine) (*rules.Engine, error) {
				return e.WithPriority(args[0], priority)
			})
			if err != nil {
				return err
			}
			if err := persistRules(ctx, s, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %s moved to priority %d\n", args[0], priority)
			return nil
		})
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <rules.yaml>",
	Short: "Add or replace rules from a YAML rules file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFileExists(args[0], "rules file"); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			loaded, err := rules.LoadRulesFile(args[0])
			if err != nil {
				return err
			}
			if len(loaded) == 0 {
				return errors.ConfigurationError(errors.CodeInvalidRule, "rules", args[0],
					fmt.Errorf("rules file contains no valid rule"))
			}

			err = s.engine.UpdateRules(func(e *rules.Engine) (*rules.Engine, error) {
				return e.WithRules(loaded), nil
			})
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(loaded))
			for _, r := range loaded {
				ids = append(ids, r.ID)
			}
			if err := persistRules(ctx, s, ids...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rules: %s\n", len(ids), strings.Join(ids, ", "))
			return nil
		})
	},
}

var rulesExportCmd = &cobra.Command{
	Use:   "export [rules.yaml]",
	Short: "Write the current rules as a YAML rules file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			data, err := rules.MarshalRulesYAML(s.engine.Rules().Rules())
			if err != nil {
				return errors.InternalError(errors.CodeUnexpectedError, "export rules", err)
			}
			if len(args) == 0 {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return errors.FileError(errors.CodeFilePermission, args[0], err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Rules written to %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesEnableCmd, rulesDisableCmd, rulesPriorityCmd, rulesImportCmd, rulesExportCmd)
}

// withSession runs fn with an open session and closes it afterwards
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func setRuleEnabled(cmd *cobra.Command, id string, enabled bool) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		err := s.engine.UpdateRules(func(e *rules.Engine) (*rules.Engine, error) {
			return e.WithRuleEnabled(id, enabled)
		})
		if err != nil {
			return err
		}
		if err := persistRules(ctx, s, id); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rule %s %s\n", id, state)
		return nil
	})
}

// persistRules stores the current state of the given rules so the next
// session loads them over the defaults
func persistRules(ctx context.Context, s *session, ids ...string) error {
	engine := s.engine.Rules()
	for _, id := range ids {
		rule, ok := engine.Rule(id)
		if !ok {
			return errors.NotFoundError("rule", id)
		}
		rule.LastUpdated = s.engine.Now()
		record, err := rules.EncodeRuleRecord(rule)
		if err != nil {
			return err
		}
		if err := s.repo.SaveRule(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func writeRules(w io.Writer, list []*models.Rule) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tID\tNAME\tENABLED\tSTORED\tTAGS")
	for _, r := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%s\n", r.Priority, r.ID, r.Name, r.Enabled, r.Custom, strings.Join(r.Tags, ","))
	}
	tw.Flush()
}
