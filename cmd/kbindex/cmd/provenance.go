package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/output"
)

func newCitationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "citation",
		Short: "Record and read source-document citations",
		Example: `  kbindex citation add docs/threads.pdf --summary "GIL internals" --topics python/gil
  kbindex citation get 3f9c2a1e-...`,
	}

	cmd.AddCommand(newCitationAddCmd())
	cmd.AddCommand(newCitationGetCmd())

	return cmd
}

func newCitationAddCmd() *cobra.Command {
	var (
		summary string
		topics  []string
		writer  string
	)

	cmd := &cobra.Command{
		Use:   "add <source-document>",
		Short: "Record a processed source document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				c, err := svc.RecordCitation(ctx, args[0], summary, topics, writer)
				if err != nil {
					return err
				}
				if out.IsJSON() {
					return out.Citation(c)
				}
				out.Successf("Recorded citation %s", c.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&summary, "summary", "", "What the document contributed")
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "Comma-separated ids of topics the document contributed to")
	cmd.Flags().StringVar(&writer, "writer", "", "Writer id (default: holder id)")

	return cmd
}

func newCitationGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <citation-id>",
		Short: "Print a citation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				c, err := svc.GetCitation(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Citation(c)
			})
		},
	}
}

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Record and list writer log entries",
		Example: `  kbindex log add ingest --details '{"files": 12}'
  kbindex log list --writer ingest-bot`,
	}

	cmd.AddCommand(newLogAddCmd())
	cmd.AddCommand(newLogListCmd())

	return cmd
}

func newLogAddCmd() *cobra.Command {
	var (
		writer  string
		details string
	)

	cmd := &cobra.Command{
		Use:   "add <operation>",
		Short: "Record a log entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed map[string]any
			if details != "" {
				if err := json.Unmarshal([]byte(details), &parsed); err != nil {
					return fmt.Errorf("--details must be a JSON object: %w", err)
				}
			}
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				e, err := svc.RecordLogEntry(ctx, writer, args[0], parsed)
				if err != nil {
					return err
				}
				if out.IsJSON() {
					return out.JSON(e)
				}
				out.Successf("Recorded log entry %s", e.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&writer, "writer", "", "Writer id (default: holder id)")
	cmd.Flags().StringVar(&details, "details", "", "Operation details as a JSON object")

	return cmd
}

func newLogListCmd() *cobra.Command {
	var writer string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a writer's log entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				if writer == "" {
					writer = svc.HolderID()
				}
				entries, err := svc.ListLogEntries(ctx, writer)
				if err != nil {
					return err
				}
				return out.LogEntries(entries)
			})
		},
	}

	cmd.Flags().StringVar(&writer, "writer", "", "Writer id (default: holder id)")

	return cmd
}
