package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/spf13/cobra"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var submitCmd = &cobra.Command{
	Use:   "submit TEXT",
	Short: "Record a requirement and generate its test cases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireGenerator(); err != nil {
			return err
		}

		tags, _ := cmd.Flags().GetStringSlice("tag")
		sub, err := a.intake.Submit(cmd.Context(), args[0], tags)
		if err != nil {
			return err
		}
		return printJSON(sub)
	},
}

var materializeCmd = &cobra.Command{
	Use:   "materialize REQ_ID",
	Short: "Evaluate a requirement's test cases and raise issues below threshold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireGenerator(); err != nil {
			return err
		}

		tags, _ := cmd.Flags().GetStringSlice("tag")
		if len(tags) == 0 {
			req, err := a.store.GetRequirement(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tags = req.RegulatoryTags
		}

		report, err := a.materializer.Materialize(cmd.Context(), args[0], tags)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one lifecycle transition directly",
}

var syncRequirementCmd = &cobra.Command{
	Use:   "requirement REQ_ID",
	Short: "Sync a requirement to its tracker story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args[0], false)
	},
}

var syncIssueCmd = &cobra.Command{
	Use:   "issue ISSUE_ID",
	Short: "Sync an issue to its tracker bug",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args[0], true)
	},
}

func runSync(cmd *cobra.Command, id string, issue bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireLifecycle(); err != nil {
		return err
	}

	sync := a.lifecycle.SyncRequirement
	if issue {
		sync = a.lifecycle.SyncIssue
	}
	result, err := sync(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("%s failure: %w", syncerr.ClassOf(err), err)
	}
	return printJSON(result)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-announce every unlinked requirement and issue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Transport.Driver == "memory" {
			return fmt.Errorf("sweep needs a shared transport; the memory transport does not outlive this command")
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.reconciler.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	submitCmd.Flags().StringSlice("tag", nil, "Regulatory tag (repeatable)")
	materializeCmd.Flags().StringSlice("tag", nil, "Regulatory tag to evaluate (defaults to the requirement's tags)")

	syncCmd.AddCommand(syncRequirementCmd)
	syncCmd.AddCommand(syncIssueCmd)
}
