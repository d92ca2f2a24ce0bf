// Package memory is an in-process index backend used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/seanblong/repocontext/internal/index"
	"github.com/seanblong/repocontext/pkg/models"
)

type store struct {
	spec       index.Spec
	namespaces map[string]map[string]models.IndexRecord
}

// Backend keeps indexes in maps. It is safe for concurrent use.
type Backend struct {
	// FailFunc, when set, is consulted for every record; a non-nil result fails that record.
	FailFunc func(models.IndexRecord) error
	// CreateFunc, when set, runs before an index is created; a non-nil result fails creation.
	CreateFunc func(name string) error

	mu      sync.Mutex
	indexes map[string]*store
	creates map[string]int
	upserts int
}

func New() *Backend {
	return &Backend{
		indexes: make(map[string]*store),
		creates: make(map[string]int),
	}
}

func (b *Backend) HasIndex(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.indexes[name]
	return ok, nil
}

func (b *Backend) CreateIndex(ctx context.Context, name string, spec index.Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.CreateFunc != nil {
		if err := b.CreateFunc(name); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates[name]++
	if _, ok := b.indexes[name]; ok {
		return fmt.Errorf("%w: %s", index.ErrAlreadyExists, name)
	}
	b.indexes[name] = &store{
		spec:       cloneSpec(spec),
		namespaces: make(map[string]map[string]models.IndexRecord),
	}
	return nil
}

func (b *Backend) DescribeIndex(ctx context.Context, name string) (index.Spec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.indexes[name]
	if !ok {
		return index.Spec{}, fmt.Errorf("index %s not found", name)
	}
	return cloneSpec(s.spec), nil
}

func (b *Backend) Upsert(ctx context.Context, h index.Handle, records []models.IndexRecord) []error {
	errs := make([]error, len(records))
	if err := ctx.Err(); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.indexes[h.Name]
	if !ok {
		for i := range errs {
			errs[i] = fmt.Errorf("index %s not found", h.Name)
		}
		return errs
	}
	ns := s.namespaces[h.Namespace]
	if ns == nil {
		ns = make(map[string]models.IndexRecord)
		s.namespaces[h.Namespace] = ns
	}
	for i, r := range records {
		if b.FailFunc != nil {
			if err := b.FailFunc(r); err != nil {
				errs[i] = err
				continue
			}
		}
		ns[r.ID] = r
		b.upserts++
	}
	return errs
}

// Seed creates an index without counting it as a create call.
func (b *Backend) Seed(name string, spec index.Spec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indexes[name] = &store{
		spec:       cloneSpec(spec),
		namespaces: make(map[string]map[string]models.IndexRecord),
	}
}

// Records returns the records of a namespace ordered by ID.
func (b *Backend) Records(name, namespace string) []models.IndexRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.indexes[name]
	if !ok {
		return nil
	}
	ns := s.namespaces[namespace]
	out := make([]models.IndexRecord, 0, len(ns))
	for _, id := range slices.Sorted(maps.Keys(ns)) {
		out = append(out, ns[id])
	}
	return out
}

// Get returns one record.
func (b *Backend) Get(name, namespace, id string) (models.IndexRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.indexes[name]
	if !ok {
		return models.IndexRecord{}, false
	}
	r, ok := s.namespaces[namespace][id]
	return r, ok
}

// Creates reports how many times CreateIndex was called for name.
func (b *Backend) Creates(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates[name]
}

// Upserts reports how many records were stored successfully.
func (b *Backend) Upserts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upserts
}

func cloneSpec(s index.Spec) index.Spec {
	s.FieldMap = maps.Clone(s.FieldMap)
	return s
}
