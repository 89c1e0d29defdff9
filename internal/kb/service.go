// Package kb wires storage, leases, topics, the sharded index, migration
// and provenance into the operations exposed by the CLI and the MCP server.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Aman-CERP/kbindex/internal/config"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/lock"
	"github.com/Aman-CERP/kbindex/internal/migrate"
	"github.com/Aman-CERP/kbindex/internal/provenance"
	"github.com/Aman-CERP/kbindex/internal/shard"
	"github.com/Aman-CERP/kbindex/internal/storage"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// Lookup statistics capacities.
const (
	lookupTermCapacity = 100
	lookupZeroCapacity = 50
)

// Options configures a Service.
type Options struct {
	// Backend replaces the backend selected by the storage configuration.
	Backend storage.Backend
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Service is the knowledge base as seen by its clients.
type Service struct {
	cfg     *config.Config
	backend storage.Backend
	locks   *lock.Coordinator
	topics  *topic.Store
	index   *shard.Manager
	prov    *provenance.Log
	lookups *telemetry.Lookups
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Open creates a Service from cfg. The caller must Close it.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	backend := opts.Backend
	if backend == nil {
		b, err := storage.Open(ctx, cfg.Storage, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
		}
		backend = b
	}

	indexOpts, err := shard.OptionsFromConfig(cfg.Index)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	locks := lock.New(backend, lock.Options{
		HolderID:       cfg.ResolveHolderID(),
		LeaseTTL:       cfg.Lock.LeaseTTL,
		PollInterval:   cfg.Lock.PollInterval,
		DefaultTimeout: cfg.Lock.AcquireTimeout,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
	topics := topic.NewStore(backend, locks, topic.StoreOptions{
		LockTimeout: cfg.Lock.AcquireTimeout,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})

	lookups := telemetry.NewLookups(lookupTermCapacity, lookupZeroCapacity)
	indexOpts.LockTimeout = cfg.Lock.AcquireTimeout
	indexOpts.BuildWorkers = cfg.Migrate.Workers
	indexOpts.Logger = opts.Logger
	indexOpts.Metrics = opts.Metrics
	indexOpts.Lookups = lookups
	index := shard.NewManager(backend, locks, topics, indexOpts)
	topics.SetIndexer(index)

	opts.Logger.Debug("kb_opened",
		slog.String("backend", cfg.Storage.Backend),
		slog.String("holder_id", locks.HolderID()),
		slog.String("default_layout", index.DefaultLayout().String()))

	return &Service{
		cfg:     cfg,
		backend: backend,
		locks:   locks,
		topics:  topics,
		index:   index,
		prov:    provenance.New(backend, opts.Logger, opts.Metrics),
		lookups: lookups,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

// Close releases the storage backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

// HolderID identifies this process in leases and as the default writer.
func (s *Service) HolderID() string {
	return s.locks.HolderID()
}

// Index exposes the index manager.
func (s *Service) Index() *shard.Manager {
	return s.index
}

func (s *Service) writer(w string) string {
	if w = strings.TrimSpace(w); w != "" {
		return w
	}
	return s.locks.HolderID()
}

// TopicInput is a create-or-update request. Nil pointer and slice fields
// leave the stored value unchanged.
type TopicInput struct {
	ID              string
	Title           *string
	Content         *string
	Keywords        []string
	RelatedTopics   []string
	Citations       []string
	ExpectedVersion *int
	Writer          string
}

// CreateOrUpdateTopic writes a topic. It fails with
// kberrors.ErrVersionConflict when ExpectedVersion is stale.
func (s *Service) CreateOrUpdateTopic(ctx context.Context, in TopicInput) (*topic.Topic, error) {
	var content *topic.ContentPatch
	if in.Content != nil {
		content = &topic.ContentPatch{Mode: topic.ContentReplace, Text: *in.Content}
	}
	return s.topics.CreateOrUpdate(ctx, in.ID, content, topic.MetadataPatch{
		Title:         in.Title,
		Keywords:      in.Keywords,
		RelatedTopics: in.RelatedTopics,
		Citations:     in.Citations,
	}, in.ExpectedVersion, s.writer(in.Writer))
}

// ReadTopic returns a topic with its content.
func (s *Service) ReadTopic(ctx context.Context, id string) (*topic.Topic, error) {
	return s.topics.Read(ctx, id)
}

// AppendToTopic adds text to an existing topic.
func (s *Service) AppendToTopic(ctx context.Context, id, text, citationID, writer string) (*topic.Topic, error) {
	if strings.TrimSpace(text) == "" {
		return nil, kberrors.ValidationError("content to append is required", nil)
	}
	return s.topics.Append(ctx, id, text, citationID, s.writer(writer))
}

// DeleteTopic removes a topic and its index entries.
func (s *Service) DeleteTopic(ctx context.Context, id string) error {
	return s.topics.Delete(ctx, id)
}

// ListTopics returns topic metadata, optionally for one category.
func (s *Service) ListTopics(ctx context.Context, category string) ([]topic.Metadata, error) {
	return s.topics.List(ctx, strings.Trim(strings.TrimSpace(category), "/"))
}

// SearchByKeyword returns the index entries of topics carrying any of the
// query's keywords, ordered by topic id.
func (s *Service) SearchByKeyword(ctx context.Context, query string) ([]shard.IndexEntry, error) {
	ids, err := s.index.SearchKeyword(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.index.Entries(ctx, ids)
}

// SearchByCategory returns the index entries of a category.
func (s *Service) SearchByCategory(ctx context.Context, category string) ([]shard.IndexEntry, error) {
	return s.index.SearchCategory(ctx, category)
}

// GetRelatedTopics returns explicit and keyword-similar topics for id.
func (s *Service) GetRelatedTopics(ctx context.Context, id string) (*shard.RelatedResult, error) {
	return s.index.Related(ctx, id)
}

// Stats is the knowledge base overview returned by GetStats.
type Stats struct {
	Backend        string                    `json:"backend"`
	HolderID       string                    `json:"holder_id"`
	Index          *shard.Stats              `json:"index"`
	TotalCitations int                       `json:"total_citations"`
	TotalLogs      int                       `json:"total_logs"`
	Lookups        *telemetry.LookupSnapshot `json:"lookups"`
}

// GetStats reports index statistics, provenance counts and the lookups
// served by this process.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	idx, err := s.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	citations, err := s.backend.List(ctx, "citations/")
	if err != nil {
		return nil, err
	}
	logs, err := s.backend.List(ctx, "logs/")
	if err != nil {
		return nil, err
	}
	return &Stats{
		Backend:        s.cfg.Storage.Backend,
		HolderID:       s.locks.HolderID(),
		Index:          idx,
		TotalCitations: len(citations),
		TotalLogs:      len(logs),
		Lookups:        s.lookups.Snapshot(),
	}, nil
}

// RebuildOptions selects what RebuildIndex does.
type RebuildOptions struct {
	// Target is the layout to build. Empty keeps the current layout, or
	// the configured default when no index exists.
	Target string
	// Force skips the comparison with the live index.
	Force bool
	// Repair rewrites only the objects flagged dirty, in place.
	Repair bool
	// DryRun reports what each layout would contain without writing.
	DryRun bool
	// Backup overrides migrate.backup when non-nil.
	Backup *bool
	// OnState and OnProgress observe a migration; see migrate.Options.
	OnState    func(migrate.Transition)
	OnProgress func(migrate.Progress)
}

// RebuildResult holds the outcome of whichever mode ran.
type RebuildResult struct {
	Migration *migrate.Result     `json:"migration,omitempty"`
	Repair    *shard.RepairReport `json:"repair,omitempty"`
	Plan      *migrate.PlanReport `json:"plan,omitempty"`
}

// RebuildIndex rebuilds the index from topic metadata. Writes that land
// while a migration runs are lost at the swap.
func (s *Service) RebuildIndex(ctx context.Context, opts RebuildOptions) (*RebuildResult, error) {
	if opts.Repair {
		report, err := s.index.RepairDirty(ctx)
		if err != nil {
			return nil, err
		}
		return &RebuildResult{Repair: report}, nil
	}

	backup := s.cfg.Migrate.Backup
	if opts.Backup != nil {
		backup = *opts.Backup
	}
	m := migrate.New(s.backend, s.locks, s.index, s.topics, migrate.Options{
		Workers:     s.cfg.Migrate.Workers,
		Backup:      backup,
		Force:       opts.Force,
		LockTimeout: s.cfg.Lock.AcquireTimeout,
		OnState:     opts.OnState,
		OnProgress:  opts.OnProgress,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})

	if opts.DryRun {
		plan, err := m.Plan(ctx)
		if err != nil {
			return nil, err
		}
		return &RebuildResult{Plan: plan}, nil
	}

	target, err := s.rebuildTarget(ctx, opts.Target)
	if err != nil {
		return nil, err
	}
	res, err := m.Run(ctx, target)
	if err != nil {
		return nil, err
	}
	return &RebuildResult{Migration: res}, nil
}

func (s *Service) rebuildTarget(ctx context.Context, target string) (shard.Layout, error) {
	if strings.TrimSpace(target) != "" {
		return shard.ParseLayout(target)
	}
	det, err := s.index.Detect(ctx)
	if err != nil {
		return 0, err
	}
	if det.Exists {
		return det.Layout, nil
	}
	return s.index.DefaultLayout(), nil
}

// Reclaim removes content objects left behind by interrupted writes.
// Topics whose lease is busy for longer than lockWait are skipped.
func (s *Service) Reclaim(ctx context.Context, lockWait time.Duration) (*topic.ReclaimReport, error) {
	return s.topics.Reclaim(ctx, lockWait)
}

// RecordCitation stores a citation for a processed source document.
func (s *Service) RecordCitation(ctx context.Context, source, summary string, topics []string, writer string) (*provenance.Citation, error) {
	return s.prov.RecordCitation(ctx, source, summary, topics, s.writer(writer))
}

// GetCitation returns a citation by id.
func (s *Service) GetCitation(ctx context.Context, id string) (*provenance.Citation, error) {
	return s.prov.GetCitation(ctx, id)
}

// RecordLogEntry stores one operation record.
func (s *Service) RecordLogEntry(ctx context.Context, writer, operation string, details map[string]any) (*provenance.LogEntry, error) {
	return s.prov.RecordLogEntry(ctx, s.writer(writer), operation, details)
}

// ListLogEntries returns a writer's log entries, oldest first. An empty
// writer means this process.
func (s *Service) ListLogEntries(ctx context.Context, writer string) ([]provenance.LogEntry, error) {
	return s.prov.ListLogEntries(ctx, s.writer(writer))
}
