// Package weaviate stores records as objects of a Weaviate class. Classes are created with
// vectorizer "none" and records are embedded client side.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	wm "github.com/weaviate/weaviate/entities/models"

	"github.com/seanblong/repocontext/internal/index"
	"github.com/seanblong/repocontext/pkg/models"
)

const modelPrefix = "embedding_model="

// Embedder turns record text into vectors. ai.Client implementations satisfy it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SchemaClient defines the Weaviate schema operations the backend needs.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *wm.Class) error
	GetClass(ctx context.Context, className string) (*wm.Class, error)
}

// ObjectBatcher writes objects in one batch request.
type ObjectBatcher interface {
	BatchObjects(ctx context.Context, objects []*wm.Object) ([]wm.ObjectsGetResponse, error)
}

type clientAdapter struct {
	client *weaviate.Client
}

func (a *clientAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *clientAdapter) CreateClass(ctx context.Context, class *wm.Class) error {
	return a.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *clientAdapter) GetClass(ctx context.Context, className string) (*wm.Class, error) {
	return a.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *clientAdapter) BatchObjects(ctx context.Context, objects []*wm.Object) ([]wm.ObjectsGetResponse, error) {
	return a.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
}

type Config struct {
	Host   string
	Scheme string
	APIKey string
}

type Backend struct {
	schema   SchemaClient
	objects  ObjectBatcher
	embedder Embedder
}

// New connects to a Weaviate instance.
func New(cfg Config, embedder Embedder) (*Backend, error) {
	if cfg.Host == "" {
		return nil, errors.New("weaviate host is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	wCfg := weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme}
	if cfg.APIKey != "" {
		wCfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wCfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate client error: %w", err)
	}
	a := &clientAdapter{client: client}
	return NewWithClients(a, a, embedder), nil
}

func NewWithClients(schema SchemaClient, objects ObjectBatcher, embedder Embedder) *Backend {
	return &Backend{schema: schema, objects: objects, embedder: embedder}
}

func (b *Backend) HasIndex(ctx context.Context, name string) (bool, error) {
	return b.schema.ClassExists(ctx, className(name))
}

func (b *Backend) CreateIndex(ctx context.Context, name string, spec index.Spec) error {
	class := &wm.Class{
		Class:       className(name),
		Description: modelPrefix + spec.EmbeddingModel,
		Vectorizer:  "none",
		Properties: []*wm.Property{
			{Name: spec.TextField(), DataType: []string{"text"}, Description: "text"},
			keyword("record_id"),
			keyword("namespace"),
			keyword("repo_owner"),
			keyword("repo_name"),
			keyword("file_path"),
			{Name: "chunk_index", DataType: []string{"int"}},
			keyword("language"),
		},
	}
	if err := b.schema.CreateClass(ctx, class); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return fmt.Errorf("%w: %v", index.ErrAlreadyExists, err)
		}
		return err
	}
	return nil
}

// keyword is a text property matched as a whole value.
func keyword(name string) *wm.Property {
	return &wm.Property{Name: name, DataType: []string{"text"}, Tokenization: "field"}
}

func (b *Backend) DescribeIndex(ctx context.Context, name string) (index.Spec, error) {
	class, err := b.schema.GetClass(ctx, className(name))
	if err != nil {
		return index.Spec{}, err
	}
	if class == nil {
		return index.Spec{}, fmt.Errorf("class %s not found", className(name))
	}
	spec := index.Spec{EmbeddingModel: strings.TrimPrefix(class.Description, modelPrefix)}
	for _, p := range class.Properties {
		if p != nil && p.Description == "text" {
			spec.FieldMap = map[string]string{"text": p.Name}
			break
		}
	}
	return spec, nil
}

// Upsert embeds records and writes them in one batch. Object ids derive from the namespace
// and record ID, so rewriting a record replaces the stored object.
func (b *Backend) Upsert(ctx context.Context, h index.Handle, records []models.IndexRecord) []error {
	errs := make([]error, len(records))
	class := className(h.Name)

	objects := make([]*wm.Object, 0, len(records))
	slots := make(map[strfmt.UUID]int, len(records))
	for i, r := range records {
		vec, err := b.embedder.Embed(ctx, r.Text)
		if err != nil {
			errs[i] = fmt.Errorf("embed: %w", err)
			continue
		}
		id := ObjectID(h.Namespace, r.ID)
		slots[id] = i
		objects = append(objects, &wm.Object{
			Class:  class,
			ID:     id,
			Vector: vec,
			Properties: map[string]interface{}{
				h.Spec.TextField(): r.Text,
				"record_id":        r.ID,
				"namespace":        h.Namespace,
				"repo_owner":       r.Metadata.RepoOwner,
				"repo_name":        r.Metadata.RepoName,
				"file_path":        r.Metadata.FilePath,
				"chunk_index":      r.Metadata.ChunkIndex,
				"language":         r.Metadata.Language,
			},
		})
	}
	if len(objects) == 0 {
		return errs
	}

	resp, err := b.objects.BatchObjects(ctx, objects)
	if err != nil {
		for _, i := range slots {
			errs[i] = err
		}
		return errs
	}
	for _, r := range resp {
		i, ok := slots[r.ID]
		if !ok {
			log.Warn().Str("id", string(r.ID)).Msg("batch response for unknown object")
			continue
		}
		if msg := batchError(r); msg != "" {
			errs[i] = errors.New(msg)
		}
	}
	return errs
}

func batchError(r wm.ObjectsGetResponse) string {
	if r.Result == nil || r.Result.Errors == nil {
		return ""
	}
	var msgs []string
	for _, e := range r.Result.Errors.Error {
		if e != nil && e.Message != "" {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// ObjectID returns the deterministic object UUID for a record.
func ObjectID(namespace, recordID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"/"+recordID)).String())
}

// className maps an index name onto a Weaviate class name, which must start with an
// upper-case letter.
func className(name string) string {
	var sb strings.Builder
	upper := true
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) || r > unicode.MaxASCII {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		sb.WriteRune(r)
	}
	out := sb.String()
	if out == "" || !unicode.IsLetter(rune(out[0])) {
		out = "Index" + out
	}
	return out
}
