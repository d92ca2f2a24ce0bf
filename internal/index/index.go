// Package index creates vector indexes on demand and upserts enriched chunk records into
// them. Storage is delegated to a Backend; see the pinecone, pgvector, weaviate and memory
// subpackages.
package index

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/seanblong/repocontext/pkg/models"
)

// DefaultTextField is the record field the index embeds.
const DefaultTextField = "chunk_text"

var (
	// ErrAlreadyExists is returned by CreateIndex when another caller created the index first.
	ErrAlreadyExists = errors.New("index already exists")
	// ErrSpecMismatch reports an existing index whose configuration differs from the request.
	ErrSpecMismatch = errors.New("index configuration differs from requested spec")
)

// Spec is the configuration an index is created with.
type Spec struct {
	EmbeddingModel string
	// FieldMap maps the embedded input ("text") to the record field that holds it.
	FieldMap  map[string]string
	Cloud     string
	Region    string
	Dimension int
}

// TextField returns the record field the index embeds.
func (s Spec) TextField() string {
	if f := s.FieldMap["text"]; f != "" {
		return f
	}
	return DefaultTextField
}

// Matches compares the parts of a spec that change how records are embedded.
func (s Spec) Matches(other Spec) bool {
	return s.EmbeddingModel == other.EmbeddingModel && maps.Equal(s.FieldMap, other.FieldMap)
}

// Handle identifies an index that exists.
type Handle struct {
	Name      string
	Namespace string
	Spec      Spec
}

// Backend is a vector index service.
type Backend interface {
	HasIndex(ctx context.Context, name string) (bool, error)
	CreateIndex(ctx context.Context, name string, spec Spec) error
	// Upsert writes records, replacing any with the same ID. The result holds one entry per
	// record, nil on success.
	Upsert(ctx context.Context, h Handle, records []models.IndexRecord) []error
}

// Describer is implemented by backends that can report an existing index's configuration.
type Describer interface {
	DescribeIndex(ctx context.Context, name string) (Spec, error)
}

type CreationError struct {
	Name string
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("ensure index %q: %v", e.Name, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

type WriteError struct {
	ID  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write record %s: %v", e.ID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
