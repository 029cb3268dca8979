package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/internal/confirmation"
	"github.com/taskforge/taskforge/pkg/cerr"
	"github.com/taskforge/taskforge/pkg/storage"
)

const confirmationsPrefix = "confirmations"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", confirmationsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, c *confirmation.Confirmation) error {
	exists, err := r.storage.Exists(ctx, path(c.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("confirmation", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "confirmation already exists", nil)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal confirmation: %w", err))
	}
	if err := r.storage.Write(ctx, path(c.ID), data); err != nil {
		return cerr.WrapStorageWriteError("confirmation", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*confirmation.Confirmation, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("confirmation", err)
	}
	var c confirmation.Confirmation
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal confirmation: %w", err))
	}
	return &c, nil
}

func (r *YAMLRepository) GetPendingByTask(ctx context.Context, taskID string) (*confirmation.Confirmation, error) {
	all, err := r.listByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.Status == confirmation.StatusPending {
			return c, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "no pending confirmation for task", nil)
}

func (r *YAMLRepository) Update(ctx context.Context, c *confirmation.Confirmation) error {
	exists, err := r.storage.Exists(ctx, path(c.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("confirmation", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "confirmation not found", nil)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal confirmation: %w", err))
	}
	if err := r.storage.Write(ctx, path(c.ID), data); err != nil {
		return cerr.WrapStorageWriteError("confirmation", err)
	}
	return nil
}

func (r *YAMLRepository) CancelPendingByTask(ctx context.Context, taskID string) (int, error) {
	all, err := r.listByTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, c := range all {
		if c.Status != confirmation.StatusPending {
			continue
		}
		c.Status = confirmation.StatusCancelled
		if err := r.Update(ctx, c); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (r *YAMLRepository) listByTask(ctx context.Context, taskID string) ([]*confirmation.Confirmation, error) {
	paths, err := r.storage.List(ctx, confirmationsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("confirmations", err)
	}
	sort.Strings(paths)

	var all []*confirmation.Confirmation
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var c confirmation.Confirmation
		if err := yaml.Unmarshal(data, &c); err != nil {
			continue
		}
		if c.TaskID != taskID {
			continue
		}
		all = append(all, &c)
	}
	return all, nil
}
