package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	ce "github.com/ineyio/creditengine"
)

// Operator commands. They act directly on the configured stores and are
// meant for durable backends; against the memory driver they see an empty
// engine.

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(orphansCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(rollbackCmd)

	orphansCmd.Flags().IntP("limit", "n", 100, "Maximum rows to show")
	auditCmd.Flags().Duration("older-than", time.Hour, "Report reserved jobs created before this age")
	auditCmd.Flags().IntP("limit", "n", 100, "Maximum rows to show")
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Balances.Balance(cmdContext(cmd), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", args[0], n)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant USER_ID AMOUNT",
	Short: "Credit a user outside of any job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}

		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmdContext(cmd)
		if err := a.Coordinator.Grant(ctx, args[0], amount); err != nil {
			return err
		}
		n, err := a.Balances.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", args[0], n)
		return nil
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List provider jobs that were accepted but never tracked",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		orphans, err := a.Stores.Orphans.List(cmdContext(cmd), limit)
		if err != nil {
			return err
		}
		return printOrphans(cmd.OutOrStdout(), orphans)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List reserved jobs that never received a callback",
	RunE: func(cmd *cobra.Command, args []string) error {
		age, _ := cmd.Flags().GetDuration("older-than")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.Stores.Registry.ListStale(cmdContext(cmd), time.Now().Add(-age), limit)
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), jobs)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback JOB_ID",
	Short: "Void a reserved job whose work never ran and refund it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.Coordinator.Rollback(cmdContext(cmd), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s, refunded %d to %s\n", job.ID, job.ReservedCredits, job.OwnerUserID)
		return nil
	},
}

func printJobs(out io.Writer, jobs []ce.Job) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tEXTERNAL\tUSER\tKIND\tCREDITS\tSTATUS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.ExternalRequestID, j.OwnerUserID, j.Kind, j.ReservedCredits, j.Status,
			j.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printOrphans(out io.Writer, orphans []ce.Orphan) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXTERNAL\tUSER\tKIND\tCREDITS\tREFUNDED\tCREATED\tREASON")
	for _, o := range orphans {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
			o.ExternalRequestID, o.UserID, o.Kind, o.Credits, o.Refunded,
			o.CreatedAt.Format(time.RFC3339), o.Reason)
	}
	return tw.Flush()
}
