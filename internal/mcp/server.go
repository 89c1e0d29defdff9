package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/migrate"
	"github.com/Aman-CERP/kbindex/internal/provenance"
	"github.com/Aman-CERP/kbindex/internal/shard"
	"github.com/Aman-CERP/kbindex/internal/topic"
	"github.com/Aman-CERP/kbindex/pkg/version"
)

// Result limits.
const (
	defaultListLimit   = 100
	defaultSearchLimit = 50
	maxResultLimit     = 1000
)

// migrationWarning is attached to every rebuild that swaps the index.
const migrationWarning = "Writes made while a rebuild runs are lost at the swap; rebuild in a quiet window."

// KnowledgeBase is the set of operations the server exposes.
type KnowledgeBase interface {
	CreateOrUpdateTopic(ctx context.Context, in kb.TopicInput) (*topic.Topic, error)
	ReadTopic(ctx context.Context, id string) (*topic.Topic, error)
	AppendToTopic(ctx context.Context, id, text, citationID, writer string) (*topic.Topic, error)
	DeleteTopic(ctx context.Context, id string) error
	ListTopics(ctx context.Context, category string) ([]topic.Metadata, error)
	SearchByKeyword(ctx context.Context, query string) ([]shard.IndexEntry, error)
	SearchByCategory(ctx context.Context, category string) ([]shard.IndexEntry, error)
	GetRelatedTopics(ctx context.Context, id string) (*shard.RelatedResult, error)
	GetStats(ctx context.Context) (*kb.Stats, error)
	RebuildIndex(ctx context.Context, opts kb.RebuildOptions) (*kb.RebuildResult, error)
	RecordCitation(ctx context.Context, source, summary string, topics []string, writer string) (*provenance.Citation, error)
	GetCitation(ctx context.Context, id string) (*provenance.Citation, error)
	RecordLogEntry(ctx context.Context, writer, operation string, details map[string]any) (*provenance.LogEntry, error)
}

var _ KnowledgeBase = (*kb.Service)(nil)

// Server is the MCP server for kbindex.
// It exposes the knowledge base to agents as tools and resources.
type Server struct {
	mcp    *mcp.Server
	kb     KnowledgeBase
	logger *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// tools lists every tool in registration order.
var tools = []ToolInfo{
	{
		Name:        "create_or_update_topic",
		Description: "Create a topic or update an existing one. Omitted fields keep their stored values. Pass expected_version to fail instead of overwriting a concurrent change.",
	},
	{
		Name:        "read_topic",
		Description: "Read a topic's content and metadata by id.",
	},
	{
		Name:        "append_to_topic",
		Description: "Append markdown to an existing topic, optionally recording the citation it came from.",
	},
	{
		Name:        "delete_topic",
		Description: "Delete a topic and remove it from the index.",
	},
	{
		Name:        "list_topics",
		Description: "List topics, optionally restricted to one category.",
	},
	{
		Name:        "search_by_keyword",
		Description: "Find topics carrying any of the given keywords. Matching is exact and case-insensitive.",
	},
	{
		Name:        "search_by_category",
		Description: "List the topics of one category from the index.",
	},
	{
		Name:        "get_related_topics",
		Description: "Find topics related to a topic: explicit relations first, then up to five topics sharing its first keyword.",
	},
	{
		Name:        "get_stats",
		Description: "Report index layout, topic, keyword and category totals, bloom filter sizing, flagged shards and lookup statistics.",
	},
	{
		Name:        "rebuild_index",
		Description: "Rebuild the index from topic metadata, optionally into another layout (v1, v2, v3). Use dry_run to preview and repair to fix only flagged shards.",
	},
	{
		Name:        "record_citation",
		Description: "Record a processed source document and the topics it contributed to. Returns the citation id.",
	},
	{
		Name:        "get_citation",
		Description: "Read a citation by id.",
	},
	{
		Name:        "record_log_entry",
		Description: "Record an operation performed by a writer in the provenance log.",
	},
}

// NewServer creates a new MCP server over base.
func NewServer(base KnowledgeBase, logger *slog.Logger) (*Server, error) {
	if base == nil {
		return nil, errors.New("knowledge base is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		kb:     base,
		logger: logger,
	}

	// Create MCP server with implementation info
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "kbindex",
			Version: version.Version,
		},
		nil, // ServerOptions - capabilities are inferred from registered tools/resources
	)

	s.registerTools()
	s.registerResources()

	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return "kbindex", version.Version
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

// CallTool invokes a tool by name with the given arguments. Search tools
// return markdown; the others return their structured output.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "create_or_update_topic":
		return callWith(ctx, args, s.handleCreateOrUpdateTopic)
	case "read_topic":
		return callWith(ctx, args, s.handleReadTopic)
	case "append_to_topic":
		return callWith(ctx, args, s.handleAppendToTopic)
	case "delete_topic":
		return callWith(ctx, args, s.handleDeleteTopic)
	case "list_topics":
		return callWith(ctx, args, s.handleListTopics)
	case "search_by_keyword":
		out, err := callWith(ctx, args, s.handleSearchByKeyword)
		if err != nil {
			return nil, err
		}
		return FormatSearchResults(out), nil
	case "search_by_category":
		out, err := callWith(ctx, args, s.handleSearchByCategory)
		if err != nil {
			return nil, err
		}
		return FormatSearchResults(out), nil
	case "get_related_topics":
		out, err := callWith(ctx, args, s.handleGetRelatedTopics)
		if err != nil {
			return nil, err
		}
		return FormatRelated(out), nil
	case "get_stats":
		return callWith(ctx, args, s.handleGetStats)
	case "rebuild_index":
		return callWith(ctx, args, s.handleRebuildIndex)
	case "record_citation":
		return callWith(ctx, args, s.handleRecordCitation)
	case "get_citation":
		return callWith(ctx, args, s.handleGetCitation)
	case "record_log_entry":
		return callWith(ctx, args, s.handleRecordLogEntry)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

// callWith decodes args into In the way the SDK does and runs handle.
func callWith[In, Out any](ctx context.Context, args map[string]any, handle func(context.Context, In) (Out, error)) (Out, error) {
	var in In
	var zero Out
	data, err := json.Marshal(args)
	if err != nil {
		return zero, NewInvalidParamsError(err.Error())
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return zero, NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return handle(ctx, in)
}

// registerTools registers all tools with the MCP server.
func (s *Server) registerTools() {
	s.logger.Debug("Registering MCP tools")

	mcp.AddTool(s.mcp, s.tool("create_or_update_topic"), structured(s, "create_or_update_topic", s.handleCreateOrUpdateTopic))
	mcp.AddTool(s.mcp, s.tool("read_topic"), s.mcpReadTopicHandler)
	mcp.AddTool(s.mcp, s.tool("append_to_topic"), structured(s, "append_to_topic", s.handleAppendToTopic))
	mcp.AddTool(s.mcp, s.tool("delete_topic"), structured(s, "delete_topic", s.handleDeleteTopic))
	mcp.AddTool(s.mcp, s.tool("list_topics"), structured(s, "list_topics", s.handleListTopics))
	mcp.AddTool(s.mcp, s.tool("search_by_keyword"), markdown(s, "search_by_keyword", s.handleSearchByKeyword, FormatSearchResults))
	mcp.AddTool(s.mcp, s.tool("search_by_category"), markdown(s, "search_by_category", s.handleSearchByCategory, FormatSearchResults))
	mcp.AddTool(s.mcp, s.tool("get_related_topics"), markdown(s, "get_related_topics", s.handleGetRelatedTopics, FormatRelated))
	mcp.AddTool(s.mcp, s.tool("get_stats"), structured(s, "get_stats", s.handleGetStats))
	mcp.AddTool(s.mcp, s.tool("rebuild_index"), structured(s, "rebuild_index", s.handleRebuildIndex))
	mcp.AddTool(s.mcp, s.tool("record_citation"), structured(s, "record_citation", s.handleRecordCitation))
	mcp.AddTool(s.mcp, s.tool("get_citation"), structured(s, "get_citation", s.handleGetCitation))
	mcp.AddTool(s.mcp, s.tool("record_log_entry"), structured(s, "record_log_entry", s.handleRecordLogEntry))

	s.logger.Info("MCP tools registered", slog.Int("count", len(tools)))
}

func (s *Server) tool(name string) *mcp.Tool {
	for _, t := range tools {
		if t.Name == name {
			return &mcp.Tool{Name: t.Name, Description: t.Description}
		}
	}
	panic("unregistered tool " + name)
}

// structured adapts handle to the SDK, which renders Out as JSON content.
func structured[In, Out any](s *Server, name string, handle func(context.Context, In) (Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		out, err := logged(s, ctx, name, func(ctx context.Context) (Out, error) { return handle(ctx, in) })
		if err != nil {
			var zero Out
			return nil, zero, MapError(err)
		}
		return nil, out, nil
	}
}

// markdown adapts handle to the SDK with a markdown rendering as content
// and Out as structured content.
func markdown[In, Out any](s *Server, name string, handle func(context.Context, In) (Out, error), format func(Out) string) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		out, err := logged(s, ctx, name, func(ctx context.Context) (Out, error) { return handle(ctx, in) })
		if err != nil {
			var zero Out
			return nil, zero, MapError(err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: format(out)}},
		}, out, nil
	}
}

// logged runs fn with request-scoped start and completion logs.
func logged[Out any](s *Server, ctx context.Context, name string, fn func(context.Context) (Out, error)) (Out, error) {
	start := time.Now()
	requestID := generateRequestID()
	s.logger.Info(name+" started", slog.String("request_id", requestID))

	out, err := fn(ctx)
	duration := time.Since(start)
	if err != nil {
		attrs := append([]any{
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
		}, kberrors.LogAttrs(err)...)
		s.logger.Error(name+" failed", attrs...)
		return out, err
	}
	s.logger.Info(name+" completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration))
	return out, nil
}

// mcpReadTopicHandler returns the topic's markdown as content alongside
// its metadata.
func (s *Server) mcpReadTopicHandler(ctx context.Context, _ *mcp.CallToolRequest, input TopicIDInput) (
	*mcp.CallToolResult,
	TopicOutput,
	error,
) {
	out, err := logged(s, ctx, "read_topic", func(ctx context.Context) (TopicOutput, error) {
		return s.handleReadTopic(ctx, input)
	})
	if err != nil {
		return nil, TopicOutput{}, MapError(err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: FormatTopic(out)}},
	}, out, nil
}

func (s *Server) handleCreateOrUpdateTopic(ctx context.Context, input CreateOrUpdateTopicInput) (TopicOutput, error) {
	if err := requireField("topic_id", input.TopicID); err != nil {
		return TopicOutput{}, err
	}
	t, err := s.kb.CreateOrUpdateTopic(ctx, kb.TopicInput{
		ID:              strings.TrimSpace(input.TopicID),
		Title:           input.Title,
		Content:         input.Content,
		Keywords:        input.Keywords,
		RelatedTopics:   input.RelatedTopics,
		Citations:       input.Citations,
		ExpectedVersion: input.ExpectedVersion,
		Writer:          input.WriterID,
	})
	if err != nil {
		return TopicOutput{}, err
	}
	out := ToTopicOutput(t)
	out.Content = ""
	return out, nil
}

func (s *Server) handleReadTopic(ctx context.Context, input TopicIDInput) (TopicOutput, error) {
	if err := requireField("topic_id", input.TopicID); err != nil {
		return TopicOutput{}, err
	}
	t, err := s.kb.ReadTopic(ctx, strings.TrimSpace(input.TopicID))
	if err != nil {
		return TopicOutput{}, err
	}
	return ToTopicOutput(t), nil
}

func (s *Server) handleAppendToTopic(ctx context.Context, input AppendToTopicInput) (TopicOutput, error) {
	if err := requireField("topic_id", input.TopicID); err != nil {
		return TopicOutput{}, err
	}
	if err := requireField("content", input.Content); err != nil {
		return TopicOutput{}, err
	}
	t, err := s.kb.AppendToTopic(ctx, strings.TrimSpace(input.TopicID), input.Content, input.CitationID, input.WriterID)
	if err != nil {
		return TopicOutput{}, err
	}
	out := ToTopicOutput(t)
	out.Content = ""
	return out, nil
}

func (s *Server) handleDeleteTopic(ctx context.Context, input TopicIDInput) (DeleteTopicOutput, error) {
	if err := requireField("topic_id", input.TopicID); err != nil {
		return DeleteTopicOutput{}, err
	}
	id := strings.TrimSpace(input.TopicID)
	if err := s.kb.DeleteTopic(ctx, id); err != nil {
		return DeleteTopicOutput{}, err
	}
	return DeleteTopicOutput{TopicID: id, Deleted: true}, nil
}

func (s *Server) handleListTopics(ctx context.Context, input ListTopicsInput) (ListTopicsOutput, error) {
	metas, err := s.kb.ListTopics(ctx, input.Category)
	if err != nil {
		return ListTopicsOutput{}, err
	}
	limit := clampLimit(input.Limit, defaultListLimit, 1, maxResultLimit)
	out := ListTopicsOutput{
		Category: input.Category,
		Total:    len(metas),
		Topics:   make([]TopicSummary, 0, min(limit, len(metas))),
	}
	for i := range metas {
		if len(out.Topics) == limit {
			out.Truncated = true
			break
		}
		out.Topics = append(out.Topics, summaryFromMetadata(&metas[i]))
	}
	return out, nil
}

func (s *Server) handleSearchByKeyword(ctx context.Context, input SearchByKeywordInput) (SearchOutput, error) {
	if err := requireField("query", input.Query); err != nil {
		return SearchOutput{}, err
	}
	entries, err := s.kb.SearchByKeyword(ctx, input.Query)
	if err != nil {
		return SearchOutput{}, err
	}
	return searchOutput(input.Query, entries, input.Limit), nil
}

func (s *Server) handleSearchByCategory(ctx context.Context, input SearchByCategoryInput) (SearchOutput, error) {
	if err := requireField("category", input.Category); err != nil {
		return SearchOutput{}, err
	}
	entries, err := s.kb.SearchByCategory(ctx, input.Category)
	if err != nil {
		return SearchOutput{}, err
	}
	return searchOutput("category:"+input.Category, entries, input.Limit), nil
}

func (s *Server) handleGetRelatedTopics(ctx context.Context, input TopicIDInput) (RelatedOutput, error) {
	if err := requireField("topic_id", input.TopicID); err != nil {
		return RelatedOutput{}, err
	}
	res, err := s.kb.GetRelatedTopics(ctx, strings.TrimSpace(input.TopicID))
	if err != nil {
		return RelatedOutput{}, err
	}
	out := RelatedOutput{
		SourceTopic: res.Source,
		Related:     make([]RelatedTopicOutput, 0, len(res.Related)),
		Dangling:    res.Dangling,
	}
	for _, r := range res.Related {
		out.Related = append(out.Related, RelatedTopicOutput{TopicID: r.TopicID, Title: r.Title, Relation: r.Relation})
	}
	return out, nil
}

func (s *Server) handleGetStats(ctx context.Context, _ StatsInput) (StatsOutput, error) {
	st, err := s.kb.GetStats(ctx)
	if err != nil {
		return StatsOutput{}, err
	}
	return ToStatsOutput(st), nil
}

func (s *Server) handleRebuildIndex(ctx context.Context, input RebuildIndexInput) (RebuildIndexOutput, error) {
	res, err := s.kb.RebuildIndex(ctx, kb.RebuildOptions{
		Target: input.TargetVersion,
		Force:  input.Force,
		Repair: input.Repair,
		DryRun: input.DryRun,
		OnState: func(tr migrate.Transition) {
			s.logger.Debug("rebuild_state", slog.String("state", string(tr.To)), slog.Int("topics", tr.Topics))
		},
	})
	if err != nil {
		return RebuildIndexOutput{}, err
	}
	return ToRebuildOutput(res), nil
}

func (s *Server) handleRecordCitation(ctx context.Context, input RecordCitationInput) (CitationOutput, error) {
	if err := requireField("source_document", input.SourceDocument); err != nil {
		return CitationOutput{}, err
	}
	c, err := s.kb.RecordCitation(ctx, input.SourceDocument, input.Summary, input.ContributedTopics, input.WriterID)
	if err != nil {
		return CitationOutput{}, err
	}
	return ToCitationOutput(c), nil
}

func (s *Server) handleGetCitation(ctx context.Context, input GetCitationInput) (CitationOutput, error) {
	if err := requireField("citation_id", input.CitationID); err != nil {
		return CitationOutput{}, err
	}
	c, err := s.kb.GetCitation(ctx, strings.TrimSpace(input.CitationID))
	if err != nil {
		return CitationOutput{}, err
	}
	return ToCitationOutput(c), nil
}

func (s *Server) handleRecordLogEntry(ctx context.Context, input RecordLogEntryInput) (LogEntryOutput, error) {
	if err := requireField("operation", input.Operation); err != nil {
		return LogEntryOutput{}, err
	}
	e, err := s.kb.RecordLogEntry(ctx, input.WriterID, input.Operation, input.Details)
	if err != nil {
		return LogEntryOutput{}, err
	}
	return LogEntryOutput{
		LogID:     e.ID,
		Timestamp: formatTime(e.Timestamp),
		WriterID:  e.WriterID,
		Operation: e.Operation,
	}, nil
}

// Serve starts the server with the specified transport.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("Starting MCP server", slog.String("transport", transport))

	switch transport {
	case "", "stdio":
		s.logger.Debug("Using stdio transport for JSON-RPC")
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("MCP server stopped with error",
				slog.String("error", err.Error()))
		} else {
			s.logger.Info("MCP server stopped gracefully")
		}
		return err
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewInvalidParamsError(name + " parameter is required and must be a non-empty string")
	}
	return nil
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
