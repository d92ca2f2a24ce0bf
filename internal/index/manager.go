package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Manager hands out index handles, creating indexes that do not exist yet. Each name is
// resolved against the backend at most once per Manager; concurrent requests for the same
// name share one resolution, so the backend never sees two creates for it.
type Manager struct {
	backend   Backend
	namespace string
	// Strict fails Ensure when an existing index was created with a different spec.
	Strict bool

	group   singleflight.Group
	mu      sync.Mutex
	handles map[string]Handle
}

func NewManager(b Backend, namespace string) *Manager {
	return &Manager{
		backend:   b,
		namespace: namespace,
		handles:   make(map[string]Handle),
	}
}

// Ensure returns a handle to the index called name, creating it with spec when absent. An
// existing index is reused as is.
func (m *Manager) Ensure(ctx context.Context, name string, spec Spec) (Handle, error) {
	if name == "" {
		return Handle{}, &CreationError{Name: name, Err: errors.New("index name is empty")}
	}
	if h, ok := m.cached(name); ok {
		return h, nil
	}

	v, err, shared := m.group.Do(name, func() (any, error) {
		if h, ok := m.cached(name); ok {
			return h, nil
		}
		h, err := m.resolve(ctx, name, spec)
		if err != nil {
			return Handle{}, err
		}
		m.mu.Lock()
		m.handles[name] = h
		m.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return Handle{}, err
	}
	if shared {
		log.Debug().Str("index", name).Msg("joined in-flight index resolution")
	}
	return v.(Handle), nil
}

func (m *Manager) cached(name string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	return h, ok
}

func (m *Manager) resolve(ctx context.Context, name string, spec Spec) (Handle, error) {
	h := Handle{Name: name, Namespace: m.namespace, Spec: spec}

	exists, err := m.backend.HasIndex(ctx, name)
	if err != nil {
		return Handle{}, &CreationError{Name: name, Err: fmt.Errorf("check existence: %w", err)}
	}
	if !exists {
		log.Info().Str("index", name).Str("model", spec.EmbeddingModel).Msg("creating index")
		err := m.backend.CreateIndex(ctx, name, spec)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return Handle{}, &CreationError{Name: name, Err: err}
		}
		log.Info().Str("index", name).Msg("index was created concurrently, reusing it")
	}

	d, ok := m.backend.(Describer)
	if !ok {
		return h, nil
	}
	actual, err := d.DescribeIndex(ctx, name)
	if err != nil {
		return Handle{}, &CreationError{Name: name, Err: fmt.Errorf("describe: %w", err)}
	}
	h.Spec = actual
	if actual.Matches(spec) {
		return h, nil
	}
	if m.Strict {
		return Handle{}, &CreationError{Name: name, Err: fmt.Errorf("%w: have model %q fields %v, want model %q fields %v",
			ErrSpecMismatch, actual.EmbeddingModel, actual.FieldMap, spec.EmbeddingModel, spec.FieldMap)}
	}
	log.Warn().
		Str("index", name).
		Str("have_model", actual.EmbeddingModel).
		Str("want_model", spec.EmbeddingModel).
		Msg("existing index has a different configuration, using it unchanged")
	return h, nil
}
