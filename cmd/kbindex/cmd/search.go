package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/output"
)

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Look topics up through the index",
		Long: `Look topics up through the sharded index.

Keyword lookups match whole keywords, case-insensitively; a topic is returned
when it carries any of the query's keywords. On layouts with a bloom filter a
keyword the filter has never seen is answered without reading any shard.`,
		Example: `  # Topics tagged with either keyword
  kbindex search keyword "gil threads"

  # Every topic in a category
  kbindex search category python

  # Explicit and keyword-similar neighbours
  kbindex search related python/gil`,
	}

	cmd.AddCommand(newSearchKeywordCmd())
	cmd.AddCommand(newSearchCategoryCmd())
	cmd.AddCommand(newSearchRelatedCmd())

	return cmd
}

func newSearchKeywordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keyword <query>...",
		Short: "Find topics by keyword",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				entries, err := svc.SearchByKeyword(ctx, query)
				if err != nil {
					return err
				}
				return out.Entries(entries)
			})
		},
	}
}

func newSearchCategoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "category <category>",
		Short: "Find topics in a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				entries, err := svc.SearchByCategory(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Entries(entries)
			})
		},
	}
}

func newSearchRelatedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "related <topic-id>",
		Short: "Find topics related to a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				res, err := svc.GetRelatedTopics(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Related(res)
			})
		},
	}
}
