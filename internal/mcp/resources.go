package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Resource URIs.
const (
	LookupMetricsURI = "kbindex://lookup_metrics"
	IndexStatsURI    = "kbindex://index_stats"
)

// LookupMetricsOutput is the JSON structure for the lookup_metrics resource.
type LookupMetricsOutput struct {
	Summary             LookupMetricsSummary `json:"summary"`
	LookupKindCounts    map[string]int64     `json:"lookup_kind_counts"`
	TopTerms            []TermCount          `json:"top_terms"`
	ZeroResultQueries   []string             `json:"zero_result_queries"`
	LatencyDistribution map[string]int64     `json:"latency_distribution"`
}

// LookupMetricsSummary provides overview statistics.
type LookupMetricsSummary struct {
	TotalLookups  int64   `json:"total_lookups"`
	TimePeriod    string  `json:"time_period"`
	ZeroResultPct float64 `json:"zero_result_pct"`
}

// registerResources registers the read-only resources.
func (s *Server) registerResources() {
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "lookup_metrics",
			URI:         LookupMetricsURI,
			Description: "Keyword and category lookup telemetry for this session",
			MIMEType:    "application/json",
		},
		s.makeJSONHandler(LookupMetricsURI, s.lookupMetrics),
	)
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "index_stats",
			URI:         IndexStatsURI,
			Description: "Index layout, totals, bloom filter sizing and flagged shards",
			MIMEType:    "application/json",
		},
		s.makeJSONHandler(IndexStatsURI, s.indexStats),
	)
	s.logger.Debug("MCP resources registered", "count", 2)
}

// makeJSONHandler creates a handler serving the JSON rendering of build.
func (s *Server) makeJSONHandler(uri string, build func(context.Context) (any, error)) mcp.ResourceHandler {
	return func(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		text, err := s.readJSONResource(ctx, build)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{
					URI:      uri,
					MIMEType: "application/json",
					Text:     text,
				},
			},
		}, nil
	}
}

// readJSONResource builds and marshals a resource body.
func (s *Server) readJSONResource(ctx context.Context, build func(context.Context) (any, error)) (string, error) {
	v, err := build(ctx)
	if err != nil {
		return "", MapError(err)
	}
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", MapError(err)
	}
	return string(content), nil
}

func (s *Server) lookupMetrics(ctx context.Context) (any, error) {
	st, err := s.kb.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	lookups := toLookupStats(st)
	return LookupMetricsOutput{
		Summary: LookupMetricsSummary{
			TotalLookups:  lookups.Total,
			TimePeriod:    "session",
			ZeroResultPct: lookups.ZeroResultPct,
		},
		LookupKindCounts:    lookups.Kinds,
		TopTerms:            lookups.TopTerms,
		ZeroResultQueries:   lookups.ZeroResultQueries,
		LatencyDistribution: lookups.Latency,
	}, nil
}

func (s *Server) indexStats(ctx context.Context) (any, error) {
	st, err := s.kb.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	out := ToStatsOutput(st)
	return out, nil
}
