package migrate

import (
	"context"

	"github.com/Aman-CERP/kbindex/internal/shard"
)

// PlanReport is the dry-run outcome of Plan.
type PlanReport struct {
	Current string             `json:"current_layout,omitempty"`
	Legacy  bool               `json:"legacy,omitempty"`
	Topics  int                `json:"topics"`
	Layouts []shard.LayoutPlan `json:"layouts"`
}

// Plan scans the topics and reports what each layout would contain,
// without taking the index lease or writing anything.
func (m *Migrator) Plan(ctx context.Context) (*PlanReport, error) {
	entries, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}
	report := &PlanReport{Topics: len(entries)}

	det, err := m.index.Detect(ctx)
	if err != nil {
		return nil, err
	}
	if det.Exists {
		report.Current = det.Layout.String()
		report.Legacy = det.Legacy
	}

	for _, l := range []shard.Layout{shard.V1, shard.V2, shard.V3} {
		report.Layouts = append(report.Layouts, m.index.PlanLayout(l, entries))
	}
	return report, nil
}
