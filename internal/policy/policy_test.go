package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/worker"
)

func newTestPolicy(t *testing.T, descriptors ...*worker.Descriptor) *Policy {
	t.Helper()
	registry, err := worker.NewRegistry(descriptors...)
	require.NoError(t, err)
	return New(registry, &config.OrchestrationEnv{
		TrackedChecklistMin: 2,
		ConfidenceTieCount:  2,
	})
}

func TestPolicyDecide(t *testing.T) {
	p := newTestPolicy(t,
		&worker.Descriptor{Slug: "generalist", CapabilityTags: []string{"go", "sql", "docs"}},
		&worker.Descriptor{Slug: "go-specialist", CapabilityTags: []string{"go"}},
	)

	t.Run("picks most specific capable worker", func(t *testing.T) {
		d, err := p.Decide(&task.Task{
			Title:        "add retry to client",
			RequiredTags: []string{"go"},
		}, Context{PriorConfidence: ConfidenceHigh})
		require.NoError(t, err)
		assert.Equal(t, "go-specialist", d.Worker.Slug)
		assert.Equal(t, task.ModeSimple, d.Mode)
		assert.False(t, d.NeedsConfirmation)
	})

	t.Run("no capable worker surfaces error", func(t *testing.T) {
		_, err := p.Decide(&task.Task{
			Title:        "translate docs",
			RequiredTags: []string{"french"},
		}, Context{PriorConfidence: ConfidenceHigh})
		require.Error(t, err)
		assert.True(t, IsNoCapableWorker(err))
	})

	t.Run("deterministic for identical input", func(t *testing.T) {
		spec := &task.Task{Title: "audit queries", RequiredTags: []string{"sql"}}
		first, err := p.Decide(spec, Context{PriorConfidence: ConfidenceHigh})
		require.NoError(t, err)
		second, err := p.Decide(spec, Context{PriorConfidence: ConfidenceHigh})
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestPolicyClassifyTracked(t *testing.T) {
	p := newTestPolicy(t, &worker.Descriptor{Slug: "w", CapabilityTags: []string{"go"}})

	tests := []struct {
		name string
		task *task.Task
		pctx Context
		want task.Mode
	}{
		{
			name: "single step low risk is simple",
			task: &task.Task{RequiredTags: []string{"go"}, Checklist: []task.ChecklistStep{{Title: "do it"}}},
			want: task.ModeSimple,
		},
		{
			name: "multi step checklist is tracked",
			task: &task.Task{RequiredTags: []string{"go"}, Checklist: []task.ChecklistStep{{Title: "a"}, {Title: "b"}}},
			want: task.ModeTracked,
		},
		{
			name: "high risk is tracked",
			task: &task.Task{RequiredTags: []string{"go"}, HighRisk: true},
			want: task.ModeTracked,
		},
		{
			name: "dependency on tracked task is tracked",
			task: &task.Task{RequiredTags: []string{"go"}},
			pctx: Context{DependsOnTracked: true},
			want: task.ModeTracked,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.pctx.PriorConfidence = ConfidenceHigh
			d, err := p.Decide(tt.task, tt.pctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Mode)
		})
	}
}

func TestPolicyNeedsConfirmation(t *testing.T) {
	p := newTestPolicy(t, &worker.Descriptor{Slug: "w", CapabilityTags: []string{"go"}})

	for _, confidence := range []Confidence{ConfidenceMedium, ConfidenceLow} {
		d, err := p.Decide(&task.Task{RequiredTags: []string{"go"}}, Context{PriorConfidence: confidence})
		require.NoError(t, err)
		assert.True(t, d.NeedsConfirmation, "confidence %s must defer to caller", confidence)
		assert.Equal(t, confidence, d.Confidence)
		assert.NotNil(t, d.Worker, "proposed plan still names a worker")
	}
}

func TestPolicyScoreConfidence(t *testing.T) {
	p := newTestPolicy(t, &worker.Descriptor{Slug: "w", CapabilityTags: []string{"go"}})
	tags := []string{"go"}
	a := &worker.Descriptor{Slug: "a", CapabilityTags: []string{"go"}}
	b := &worker.Descriptor{Slug: "b", CapabilityTags: []string{"go"}}
	broad := &worker.Descriptor{Slug: "broad", CapabilityTags: []string{"go", "sql"}}

	assert.Equal(t, ConfidenceHigh, p.ScoreConfidence(tags, []*worker.Descriptor{a, broad}, true))
	assert.Equal(t, ConfidenceMedium, p.ScoreConfidence(tags, []*worker.Descriptor{a, b}, true))
	assert.Equal(t, ConfidenceLow, p.ScoreConfidence(tags, []*worker.Descriptor{a}, false))
	assert.Equal(t, ConfidenceLow, p.ScoreConfidence(tags, nil, true))
}
