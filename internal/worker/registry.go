package worker

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/pkg/cerr"
)

// registryFile is the on-disk format of the worker registry.
type registryFile struct {
	Workers []*Descriptor `yaml:"workers"`
}

// Registry is the read-only catalogue of workers. Lookups run against an
// immutable snapshot so a concurrent reload never yields a half-updated
// view.
type Registry struct {
	mu       sync.RWMutex
	snapshot *snapshot
}

type snapshot struct {
	ordered []*Descriptor
	bySlug  map[string]*Descriptor
}

// NewRegistry builds a registry from descriptors (used by tests and
// embedded setups).
func NewRegistry(descriptors ...*Descriptor) (*Registry, error) {
	snap, err := newSnapshot(descriptors)
	if err != nil {
		return nil, err
	}
	return &Registry{snapshot: snap}, nil
}

// LoadRegistry reads the registry file at path.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file and atomically swaps the snapshot.
func (r *Registry) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal registry file: %w", err)
	}
	snap, err := newSnapshot(file.Workers)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
	return nil
}

func newSnapshot(descriptors []*Descriptor) (*snapshot, error) {
	snap := &snapshot{
		ordered: descriptors,
		bySlug:  make(map[string]*Descriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.Slug == "" {
			return nil, fmt.Errorf("worker descriptor without slug")
		}
		if _, ok := snap.bySlug[d.Slug]; ok {
			return nil, fmt.Errorf("duplicate worker slug %s", d.Slug)
		}
		snap.bySlug[d.Slug] = d
	}
	return snap, nil
}

func (r *Registry) current() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Get returns the descriptor for slug.
func (r *Registry) Get(slug string) (*Descriptor, error) {
	d, ok := r.current().bySlug[slug]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("worker %s not found", slug), nil)
	}
	return d, nil
}

// All returns every registered descriptor.
func (r *Registry) All() []*Descriptor {
	snap := r.current()
	out := make([]*Descriptor, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Lookup returns workers matching at least one capability tag, ranked by
// tag-overlap count, then by fewer total tags (more specific wins a tie),
// then by slug for determinism. An empty domain matches all domains.
func (r *Registry) Lookup(tags []string, domain string) []*Descriptor {
	snap := r.current()

	var matched []*Descriptor
	for _, d := range snap.ordered {
		if domain != "" && d.Domain != domain {
			continue
		}
		if d.TagOverlap(tags) == 0 {
			continue
		}
		matched = append(matched, d)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		oi, oj := matched[i].TagOverlap(tags), matched[j].TagOverlap(tags)
		if oi != oj {
			return oi > oj
		}
		if len(matched[i].CapabilityTags) != len(matched[j].CapabilityTags) {
			return len(matched[i].CapabilityTags) < len(matched[j].CapabilityTags)
		}
		return matched[i].Slug < matched[j].Slug
	})
	return matched
}
