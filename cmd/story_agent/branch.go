package main

import (
	"context"
	"fmt"

	"github.com/jonathan/storyforge/internal/observability"
	"github.com/spf13/cobra"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches of the event log",
	Long: `Create, inspect, compare and delete branches. A branch is a named pointer into the
event chain; forking at an event shares everything before it with the source.`,
}

var (
	branchFrom string
	branchAt   string
)

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a branch, optionally forked from another branch or event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, a *app) error {
			b, err := a.log.CreateBranch(ctx, args[0], branchAt, branchFrom)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created branch %s (%s) at %s\n", b.Name, b.ID, headOrEmpty(b.HeadEventID))
			return nil
		})
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd, false, func(ctx context.Context, a *app) error {
			branches, err := a.log.ListBranches(ctx)
			if err != nil {
				return err
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintBranches(branches)
			return nil
		})
	},
}

var branchEventsCmd = &cobra.Command{
	Use:   "events <branch>",
	Short: "Show the events of a branch from root to head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, a *app) error {
			events, err := a.log.EventsForBranch(ctx, args[0])
			if err != nil {
				return err
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintEvents(args[0], events)
			return nil
		})
	},
}

var branchCompareCmd = &cobra.Command{
	Use:   "compare <branch-a> <branch-b>",
	Short: "Compare the container state of two branches",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, a *app) error {
			cmp, err := a.log.CompareBranches(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintComparison(cmp)
			return nil
		})
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <branch>",
	Short: "Delete a branch pointer; its events stay reachable from other branches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, false, func(ctx context.Context, a *app) error {
			if err := a.log.DeleteBranch(ctx, args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted branch %s\n", args[0])
			return nil
		})
	},
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchFrom, "from", "", "Source branch to fork (at its head unless --at is given)")
	branchCreateCmd.Flags().StringVar(&branchAt, "at", "", "Event id to fork at")

	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchEventsCmd, branchCompareCmd, branchDeleteCmd)
	rootCmd.AddCommand(branchCmd)
}

func headOrEmpty(id string) string {
	if id == "" {
		return "(empty)"
	}
	return id
}
