package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/pkg/cerr"
	"github.com/taskforge/taskforge/pkg/storage"
)

const eventsPrefix = "events"

// YAMLRepository keeps one YAML file of events per task.
type YAMLRepository struct {
	storage storage.Storage
	mu      sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(taskID string) string {
	return fmt.Sprintf("%s/%s.yaml", eventsPrefix, taskID)
}

type eventsFile struct {
	Events []*audit.Event `yaml:"events"`
}

func (r *YAMLRepository) Append(ctx context.Context, e *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.load(ctx, e.TaskID)
	if err != nil {
		return err
	}
	file.Events = append(file.Events, e)

	data, err := yaml.Marshal(file)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal events: %w", err))
	}
	if err := r.storage.Write(ctx, path(e.TaskID), data); err != nil {
		return cerr.WrapStorageWriteError("events", err)
	}
	return nil
}

func (r *YAMLRepository) ListByTask(ctx context.Context, taskID string) ([]*audit.Event, error) {
	file, err := r.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	events := file.Events
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

func (r *YAMLRepository) load(ctx context.Context, taskID string) (*eventsFile, error) {
	exists, err := r.storage.Exists(ctx, path(taskID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("events", err)
	}
	if !exists {
		return &eventsFile{}, nil
	}
	data, err := r.storage.Read(ctx, path(taskID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("events", err)
	}
	var file eventsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal events: %w", err))
	}
	return &file, nil
}
