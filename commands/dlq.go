package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

func newDLQCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead-letter queue",
	}
	cmd.AddCommand(
		newDLQListCommand(flags),
		newDLQShowCommand(flags),
		newDLQRetryCommand(flags),
		newDLQPurgeCommand(flags),
	)
	return cmd
}

func newDLQListCommand(flags *rootFlags) *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantined files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pattern != "" {
				if !doublestar.ValidatePattern(pattern) {
					return fmt.Errorf("invalid glob pattern %q", pattern)
				}
			}
			cc, err := newCmdContext(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			entries, err := cc.engine.DLQ().List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DLQ ID\tSOURCE STATE\tATTEMPTS\tQUARANTINED\tERROR")
			rows := 0
			for _, e := range entries {
				if pattern != "" {
					if ok, _ := doublestar.Match(pattern, e.Filename); !ok {
						continue
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.DLQID, e.SourceState,
					e.Attempts, e.QuarantinedAt.Format(time.RFC3339), e.Error)
				rows++
			}
			w.Flush()
			if rows == 0 {
				fmt.Println("dead-letter queue is empty")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "Only list files matching this glob")
	return cmd
}

func newDLQShowCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <dlq-id>",
		Short: "Print one quarantine record in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := newCmdContext(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			e, err := cc.engine.DLQ().Get(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("DLQ ID:        %s\n", e.DLQID)
			fmt.Printf("File:          %s\n", e.Filename)
			fmt.Printf("Original path: %s\n", e.OriginalPath)
			fmt.Printf("Source state:  %s\n", e.SourceState)
			fmt.Printf("Attempts:      %d\n", e.Attempts)
			fmt.Printf("Quarantined:   %s\n", e.QuarantinedAt.Format(time.RFC3339))
			fmt.Printf("Error:         %s\n", e.Error)
			if e.CorrelationID != "" {
				fmt.Printf("Correlation:   %s\n", e.CorrelationID)
			}
			for k, v := range e.Context {
				fmt.Printf("Context %s: %v\n", k, v)
			}
			return nil
		},
	}
}

func newDLQRetryCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <dlq-id>",
		Short: "Move a quarantined file back to its source folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := newCmdContext(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			if err := cc.engine.DLQ().Retry(args[0]); err != nil {
				return err
			}
			fmt.Printf("replayed %s\n", args[0])
			return nil
		},
	}
}

func newDLQPurgeCommand(flags *rootFlags) *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Archive quarantined files older than --min-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := newCmdContext(flags)
			if err != nil {
				return err
			}
			defer cc.close()

			n, err := cc.engine.DLQ().Purge(minAge)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d quarantined file(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 7*24*time.Hour, "Only purge entries quarantined at least this long ago")
	return cmd
}
