package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/mcp"
	"github.com/Aman-CERP/kbindex/internal/output"
	"github.com/Aman-CERP/kbindex/internal/validation"
)

// errValidationFailed is returned when a tier 1 or negative query fails.
var errValidationFailed = errors.New("validation failed")

func newValidateCmd() *cobra.Command {
	var (
		queriesPath string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run golden lookup queries through the MCP tools",
		Long: `Run the lookups defined in a YAML query file against the knowledge base
using the same MCP tools agents call. Tier 1 and negative queries must pass;
tier 2 results are reported but do not fail the run.`,
		Example: `  kbindex validate --queries queries.yaml
  kbindex validate --queries queries.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			queries, err := validation.LoadQueries(queriesPath)
			if err != nil {
				return err
			}
			return withKB(cmd, func(ctx context.Context, svc *kb.Service, out *output.Writer) error {
				srv, err := mcp.NewServer(svc, slog.Default())
				if err != nil {
					return err
				}
				res := validation.NewValidator(srv).RunAll(ctx, queries)
				if out.IsJSON() {
					if err := out.JSON(res); err != nil {
						return err
					}
				} else {
					printValidation(out, res, verbose)
				}
				if res.Failed() {
					return errValidationFailed
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&queriesPath, "queries", "q", "", "YAML file with tier1, tier2 and negative queries")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show passing queries too")
	_ = cmd.MarkFlagRequired("queries")

	return cmd
}

func printValidation(out *output.Writer, res *validation.ValidationResult, verbose bool) {
	sections := []struct {
		name    string
		results []validation.TestResult
		pass    int
		total   int
	}{
		{"Tier 1", res.Tier1, res.Tier1Pass, res.Tier1Total},
		{"Tier 2", res.Tier2, res.Tier2Pass, res.Tier2Total},
		{"Negative", res.Negative, res.NegPass, res.NegTotal},
	}
	for _, s := range sections {
		if s.total == 0 {
			continue
		}
		summary := fmt.Sprintf("%s: %d/%d passed", s.name, s.pass, s.total)
		if s.pass == s.total {
			out.Success(summary)
		} else {
			out.Warning(summary)
		}
		for _, tr := range s.results {
			switch {
			case tr.Error != "":
				out.Statusf("", "FAIL %s %s: %s", tr.Spec.ID, tr.Spec.Name, tr.Error)
			case !tr.Passed:
				out.Statusf("", "FAIL %s %s: expected %v, got %v", tr.Spec.ID, tr.Spec.Name, tr.Spec.Expected, tr.TopResults)
			case verbose:
				out.Statusf("", "PASS %s %s", tr.Spec.ID, tr.Spec.Name)
			}
		}
	}
}
