package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/output"
)

func newTopicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Create, read and delete topics",
		Long: `Manage knowledge base topics.

Topic ids are "<category>/<name>". Every write takes the topic's lease and
updates the index before the lease is released.`,
		Example: `  # Create a topic from a file
  kbindex topic put python/gil --title "The GIL" --keywords gil,threads --file gil.md

  # Guard an update with the version you read
  kbindex topic put python/gil --content "..." --expected-version 3

  # List one category
  kbindex topic list --category python`,
	}

	cmd.AddCommand(newTopicPutCmd())
	cmd.AddCommand(newTopicGetCmd())
	cmd.AddCommand(newTopicAppendCmd())
	cmd.AddCommand(newTopicDeleteCmd())
	cmd.AddCommand(newTopicListCmd())

	return cmd
}

func newTopicPutCmd() *cobra.Command {
	var (
		title           string
		content         string
		file            string
		keywords        []string
		related         []string
		citations       []string
		expectedVersion int
		writer          string
	)

	cmd := &cobra.Command{
		Use:   "put <topic-id>",
		Short: "Create or update a topic",
		Long: `Create a topic, or update the fields given on the command line.

Fields not given keep their stored value. --expected-version fails the write
with a version conflict unless the stored version matches; 0 requires that
the topic does not exist yet.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := kb.TopicInput{ID: args[0], Writer: writer}
			flags := cmd.Flags()
			if flags.Changed("title") {
				in.Title = &title
			}
			body, set, err := readContent(cmd.InOrStdin(), content, flags.Changed("content"), file)
			if err != nil {
				return err
			}
			if set {
				in.Content = &body
			}
			if flags.Changed("keywords") {
				in.Keywords = nonNilSlice(keywords)
			}
			if flags.Changed("related") {
				in.RelatedTopics = nonNilSlice(related)
			}
			in.Citations = citations
			if flags.Changed("expected-version") {
				in.ExpectedVersion = &expectedVersion
			}
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				return runTopicPut(ctx, svc, out, in)
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Topic title")
	cmd.Flags().StringVar(&content, "content", "", "Markdown content")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read content from file (- for stdin)")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "Comma-separated keywords")
	cmd.Flags().StringSliceVar(&related, "related", nil, "Comma-separated related topic ids")
	cmd.Flags().StringSliceVar(&citations, "citations", nil, "Citation ids to add")
	cmd.Flags().IntVar(&expectedVersion, "expected-version", 0, "Fail unless the stored version matches")
	cmd.Flags().StringVar(&writer, "writer", "", "Writer id recorded in metadata (default: holder id)")
	cmd.MarkFlagsMutuallyExclusive("content", "file")

	return cmd
}

func runTopicPut(ctx context.Context, svc *kb.Service, out *output.Writer, in kb.TopicInput) error {
	t, err := svc.CreateOrUpdateTopic(ctx, in)
	if err != nil {
		return err
	}
	if out.IsJSON() {
		return out.Topic(t)
	}
	out.Successf("%s saved (version %d)", t.ID, t.Version)
	return nil
}

// readContent resolves the content given by --content or --file.
func readContent(stdin io.Reader, content string, contentSet bool, file string) (string, bool, error) {
	switch {
	case contentSet:
		return content, true, nil
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", false, fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(b), true, nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", false, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return string(b), true, nil
	default:
		return "", false, nil
	}
}

// nonNilSlice turns an explicitly emptied flag into an empty list, which
// clears the field instead of keeping it.
func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func newTopicGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <topic-id>",
		Short: "Print a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				t, err := svc.ReadTopic(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Topic(t)
			})
		},
	}
}

func newTopicAppendCmd() *cobra.Command {
	var (
		content  string
		file     string
		citation string
		writer   string
	)

	cmd := &cobra.Command{
		Use:   "append <topic-id>",
		Short: "Append content to an existing topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, set, err := readContent(cmd.InOrStdin(), content, cmd.Flags().Changed("content"), file)
			if err != nil {
				return err
			}
			if !set {
				return fmt.Errorf("one of --content or --file is required")
			}
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				t, err := svc.AppendToTopic(ctx, args[0], body, citation, writer)
				if err != nil {
					return err
				}
				if out.IsJSON() {
					return out.Topic(t)
				}
				out.Successf("%s appended (version %d)", t.ID, t.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&content, "content", "", "Markdown to append")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read content from file (- for stdin)")
	cmd.Flags().StringVar(&citation, "citation", "", "Citation id backing the appended content")
	cmd.Flags().StringVar(&writer, "writer", "", "Writer id recorded in metadata (default: holder id)")
	cmd.MarkFlagsMutuallyExclusive("content", "file")

	return cmd
}

func newTopicDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <topic-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a topic and remove it from the index",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				if err := svc.DeleteTopic(ctx, args[0]); err != nil {
					return err
				}
				if out.IsJSON() {
					return out.JSON(map[string]any{"topic_id": args[0], "deleted": true})
				}
				out.Successf("%s deleted", args[0])
				return nil
			})
		},
	}
}

func newTopicListCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List topics from topic storage",
		Long: `List topics by reading topic storage directly. Use 'kbindex search
category' for an index lookup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				metas, err := svc.ListTopics(ctx, category)
				if err != nil {
					return err
				}
				return out.Topics(metas)
			})
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "Only list this category")

	return cmd
}
