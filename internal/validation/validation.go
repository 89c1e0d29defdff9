// Package validation runs golden lookup queries against a knowledge base
// through the MCP tool surface, so a deployment can be checked the same way
// agents see it.
//
// Queries are data-driven, loaded from a YAML file with tier1, tier2 and
// negative sections. Tier 1 queries are the ones that must never regress.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Lookup tools a query may exercise.
const (
	ToolKeyword  = "search_by_keyword"
	ToolCategory = "search_by_category"
	ToolRelated  = "get_related_topics"
)

// QuerySpec defines a lookup with expected results.
type QuerySpec struct {
	ID       string   `yaml:"id" json:"id"`             // e.g., "T1-Q3"
	Name     string   `yaml:"name" json:"name"`         // Human-readable name
	Tool     string   `yaml:"tool" json:"tool"`         // one of the lookup tools
	Query    string   `yaml:"query" json:"query"`       // keywords, category or source topic id
	Expected []string `yaml:"expected" json:"expected"` // topic ids or id prefixes that should appear
	Notes    string   `yaml:"notes,omitempty" json:"notes,omitempty"`
	Tier     int      `yaml:"-" json:"tier"` // Set from the section
}

// QueryConfig holds all validation queries loaded from YAML.
type QueryConfig struct {
	Tier1    []QuerySpec `yaml:"tier1"`
	Tier2    []QuerySpec `yaml:"tier2"`
	Negative []QuerySpec `yaml:"negative"`
}

// Len returns the number of queries across all tiers.
func (c *QueryConfig) Len() int {
	return len(c.Tier1) + len(c.Tier2) + len(c.Negative)
}

// LoadQueries reads and parses a query file.
func LoadQueries(path string) (*QueryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries file %s: %w", path, err)
	}
	return ParseQueries(data)
}

// ParseQueries parses YAML query definitions and checks each one.
func ParseQueries(data []byte) (*QueryConfig, error) {
	var cfg QueryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse queries YAML: %w", err)
	}

	sections := []struct {
		specs []QuerySpec
		tier  int
	}{{cfg.Tier1, 1}, {cfg.Tier2, 2}, {cfg.Negative, 0}}
	for _, s := range sections {
		for i := range s.specs {
			s.specs[i].Tier = s.tier
			if err := s.specs[i].validate(); err != nil {
				return nil, err
			}
		}
	}
	return &cfg, nil
}

func (q QuerySpec) validate() error {
	switch q.Tool {
	case ToolKeyword, ToolCategory, ToolRelated:
	default:
		return fmt.Errorf("query %s: unsupported tool %q", q.ID, q.Tool)
	}
	if q.Tier != 0 && len(q.Expected) == 0 {
		return fmt.Errorf("query %s: expected results are required outside the negative section", q.ID)
	}
	return nil
}

// args builds the tool arguments for the query.
func (q QuerySpec) args() map[string]any {
	switch q.Tool {
	case ToolCategory:
		return map[string]any{"category": q.Query, "limit": 10}
	case ToolRelated:
		return map[string]any{"topic_id": q.Query}
	default:
		return map[string]any{"query": q.Query, "limit": 10}
	}
}

// TestResult captures the outcome of a single query.
type TestResult struct {
	Spec       QuerySpec     `json:"spec"`
	Passed     bool          `json:"passed"`
	Duration   time.Duration `json:"duration_ms"`
	TopResults []string      `json:"top_results"` // Topic ids returned
	MatchedAt  int           `json:"matched_at"`  // Position of first match (-1 if not found)
	Error      string        `json:"error,omitempty"`
}

// ValidationResult captures results of a full validation run.
type ValidationResult struct {
	Timestamp  time.Time    `json:"timestamp"`
	Tier1      []TestResult `json:"tier1"`
	Tier2      []TestResult `json:"tier2"`
	Negative   []TestResult `json:"negative"`
	Tier1Pass  int          `json:"tier1_pass"`
	Tier1Total int          `json:"tier1_total"`
	Tier2Pass  int          `json:"tier2_pass"`
	Tier2Total int          `json:"tier2_total"`
	NegPass    int          `json:"negative_pass"`
	NegTotal   int          `json:"negative_total"`
}

// Failed reports whether any Tier 1 or negative query failed.
// Tier 2 failures are informational.
func (r *ValidationResult) Failed() bool {
	return r.Tier1Pass < r.Tier1Total || r.NegPass < r.NegTotal
}

// ToolCaller invokes an MCP tool by name. *mcp.Server satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Validator runs validation queries against an MCP server.
type Validator struct {
	server ToolCaller
}

// NewValidator creates a validator calling tools on server.
func NewValidator(server ToolCaller) *Validator {
	return &Validator{server: server}
}

// RunQuery executes a single query and returns the result.
func (v *Validator) RunQuery(ctx context.Context, spec QuerySpec) TestResult {
	start := time.Now()
	result := TestResult{
		Spec:      spec,
		MatchedAt: -1,
	}

	resp, err := v.server.CallTool(ctx, spec.Tool, spec.args())
	result.Duration = time.Since(start)

	if err != nil {
		// Negative queries may be rejected outright
		if spec.Tier == 0 {
			result.Passed = true
		} else {
			result.Error = err.Error()
		}
		return result
	}

	result.TopResults = extractTopicIDs(resp)

	if spec.Tier == 0 {
		result.Passed = matchesNegative(result.TopResults, spec.Expected)
	} else {
		result.Passed, result.MatchedAt = checkExpected(result.TopResults, spec.Expected)
	}

	return result
}

// RunAll executes every query in cfg and returns results.
func (v *Validator) RunAll(ctx context.Context, cfg *QueryConfig) *ValidationResult {
	result := &ValidationResult{
		Timestamp: time.Now(),
		Tier1:     []TestResult{},
		Tier2:     []TestResult{},
		Negative:  []TestResult{},
	}

	for _, spec := range cfg.Tier1 {
		tr := v.RunQuery(ctx, spec)
		result.Tier1 = append(result.Tier1, tr)
		result.Tier1Total++
		if tr.Passed {
			result.Tier1Pass++
		}
	}

	for _, spec := range cfg.Tier2 {
		tr := v.RunQuery(ctx, spec)
		result.Tier2 = append(result.Tier2, tr)
		result.Tier2Total++
		if tr.Passed {
			result.Tier2Pass++
		}
	}

	for _, spec := range cfg.Negative {
		tr := v.RunQuery(ctx, spec)
		result.Negative = append(result.Negative, tr)
		result.NegTotal++
		if tr.Passed {
			result.NegPass++
		}
	}

	return result
}

// resultLine matches the id line of a search hit ("`python/gil` · modified
// ...") and a related entry ("1. **GIL** `python/gil` (explicit)").
var resultLine = regexp.MustCompile("^(?:\\d+\\. \\*\\*.*\\*\\* )?`([^`]+)`")

// extractTopicIDs extracts topic ids from an MCP tool response.
func extractTopicIDs(resp any) []string {
	text, ok := resp.(string)
	if !ok {
		if data, err := json.Marshal(resp); err == nil {
			text = string(data)
		}
	}

	ids := []string{}
	for _, line := range strings.Split(text, "\n") {
		if m := resultLine.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}

// checkExpected verifies if any expected id or prefix appears in results.
func checkExpected(results []string, expected []string) (bool, int) {
	for i, id := range results {
		for _, exp := range expected {
			if id == exp || strings.HasPrefix(id, exp) {
				return true, i
			}
		}
	}
	return false, -1
}

// matchesNegative passes an empty result set, or any result set when the
// query lists ids it tolerates.
func matchesNegative(results []string, tolerated []string) bool {
	if len(results) == 0 {
		return true
	}
	for _, id := range results {
		if ok, _ := checkExpected([]string{id}, tolerated); !ok {
			return false
		}
	}
	return true
}
