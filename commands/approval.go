package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultflow/vaultflow/audit"
	"github.com/vaultflow/vaultflow/vault"
)

func newApprovalCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "List, inspect and resolve pending approvals",
	}
	cmd.AddCommand(
		newApprovalListCommand(flags),
		newApprovalShowCommand(flags),
		newApprovalResolveCommand(flags, true),
		newApprovalResolveCommand(flags, false),
		newApprovalHistoryCommand(flags),
	)
	return cmd
}

func newApprovalListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plans waiting for a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := newCmdContext(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			names, err := cc.layout.Files(vault.FolderPendingApproval)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEM\tRISK\tDECISION\tREQUESTED\tREASON")
			rows := 0
			for _, name := range names {
				if !strings.HasSuffix(name, vault.SuffixApproval) {
					continue
				}
				rec, err := vault.LoadApproval(cc.layout.FilePath(vault.FolderPendingApproval, name))
				if err != nil {
					cc.logger.Warn("skipping unreadable approval", "file", name, "error", err)
					continue
				}
				if rec.Resolved() {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", vault.Stem(name),
					rec.RiskLevel, rec.Decision,
					rec.RequestedAt.Format(time.RFC3339), rec.Reason)
				rows++
			}
			w.Flush()
			if rows == 0 {
				fmt.Println("no approvals pending")
			}
			return nil
		},
	}
}

func newApprovalShowCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <stem>",
		Short: "Print one approval request in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := newCmdContext(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			path := cc.layout.FilePath(vault.FolderPendingApproval, vault.ApprovalFilename(args[0]))
			rec, err := vault.LoadApproval(path)
			if err != nil {
				return err
			}
			fmt.Printf("Approval:   %s\n", rec.ID)
			fmt.Printf("Action:     %s\n", rec.ActionID)
			fmt.Printf("Plan:       %s\n", rec.PlanID)
			fmt.Printf("Decision:   %s\n", rec.Decision)
			fmt.Printf("Risk:       %s\n", rec.RiskLevel)
			if rec.Reason != "" {
				fmt.Printf("Reason:     %s\n", rec.Reason)
			}
			if len(rec.Approvers) > 0 {
				fmt.Printf("Approvers:  %s\n", strings.Join(rec.Approvers, ", "))
			}
			fmt.Printf("Requested:  %s\n", rec.RequestedAt.Format(time.RFC3339))
			if rec.Body != "" {
				fmt.Printf("\n%s\n", rec.Body)
			}
			return nil
		},
	}
}

func newApprovalResolveCommand(flags *rootFlags, approve bool) *cobra.Command {
	verb := "approve"
	short := "Approve a pending plan and move it to Approved"
	if !approve {
		verb = "reject"
		short = "Reject a pending plan and move it to Rejected"
	}
	var approver, reason string
	cmd := &cobra.Command{
		Use:   verb + " <stem>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := newCmdContext(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			if approve {
				err = cc.pipeline.Approve(cmd.Context(), args[0], approver, reason)
			} else {
				err = cc.pipeline.Reject(cmd.Context(), args[0], approver, reason)
			}
			if err != nil {
				return err
			}
			if approve {
				fmt.Printf("approved %s; a running daemon will pick it up for execution\n", args[0])
			} else {
				fmt.Printf("rejected %s\n", args[0])
			}
			return nil
		},
	}
	defaultApprover := os.Getenv("USER")
	if defaultApprover == "" {
		defaultApprover = "operator"
	}
	cmd.Flags().StringVar(&approver, "approver", defaultApprover, "Name recorded as the approver")
	if approve {
		cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded on the approval")
	} else {
		cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason for the rejection (required)")
		cmd.MarkFlagRequired("reason")
	}
	return cmd
}

func newApprovalHistoryCommand(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [stem]",
		Short: "Show the approval audit trail, for one workflow or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := newCmdContext(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			filter := audit.Filter{Limit: limit}
			if len(args) == 1 {
				filter.CorrelationID = args[0]
			}
			entries, err := cc.aud.Query(filter)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no matching audit entries")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTIME\tEVENT\tACTOR\tACTION")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Seq,
					e.Timestamp.Format(time.RFC3339), e.EventType, e.Actor, e.Action)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to print (0 for all)")
	return cmd
}
