// Package pinecone stores records in Pinecone indexes with integrated embedding: Pinecone
// embeds the text field itself, so records carry no vectors.
package pinecone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pinecone-io/go-pinecone/v5/pinecone"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/repocontext/internal/index"
	"github.com/seanblong/repocontext/pkg/models"
)

const (
	DefaultModel  = "llama-text-embed-v2"
	DefaultCloud  = "aws"
	DefaultRegion = "us-east-1"

	readyPollInterval = 2 * time.Second
)

// ControlPlane is the part of *pinecone.Client that manages indexes.
type ControlPlane interface {
	ListIndexes(ctx context.Context) ([]*pinecone.Index, error)
	DescribeIndex(ctx context.Context, name string) (*pinecone.Index, error)
	CreateIndexForModel(ctx context.Context, req *pinecone.CreateIndexForModelRequest) (*pinecone.Index, error)
}

// RecordWriter is the part of *pinecone.IndexConnection that writes records.
type RecordWriter interface {
	UpsertRecords(ctx context.Context, records []*pinecone.IntegratedRecord) error
	Close() error
}

var (
	_ ControlPlane = (*pinecone.Client)(nil)
	_ RecordWriter = (*pinecone.IndexConnection)(nil)
)

// Connector opens a data plane connection to an index host and namespace.
type Connector func(host, namespace string) (RecordWriter, error)

type Backend struct {
	control ControlPlane
	connect Connector
	// ReadyTimeout bounds how long CreateIndex waits for a new index to become ready.
	ReadyTimeout time.Duration

	mu    sync.Mutex
	hosts map[string]string
	conns map[string]RecordWriter
}

// New connects to Pinecone with an API key.
func New(apiKey string) (*Backend, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("pinecone API key is required")
	}
	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create pinecone client: %w", err)
	}
	return NewWithClient(client, func(host, namespace string) (RecordWriter, error) {
		return client.Index(pinecone.NewIndexConnParams{Host: host, Namespace: namespace})
	}), nil
}

func NewWithClient(control ControlPlane, connect Connector) *Backend {
	return &Backend{
		control:      control,
		connect:      connect,
		ReadyTimeout: 2 * time.Minute,
		hosts:        make(map[string]string),
		conns:        make(map[string]RecordWriter),
	}
}

func (b *Backend) HasIndex(ctx context.Context, name string) (bool, error) {
	indexes, err := b.control.ListIndexes(ctx)
	if err != nil {
		return false, err
	}
	for _, idx := range indexes {
		if idx != nil && idx.Name == name {
			b.setHost(name, idx.Host)
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) CreateIndex(ctx context.Context, name string, spec index.Spec) error {
	model := spec.EmbeddingModel
	if model == "" {
		model = DefaultModel
	}
	region := spec.Region
	if region == "" {
		region = DefaultRegion
	}
	cloud := spec.Cloud
	if cloud == "" {
		cloud = DefaultCloud
	}

	idx, err := b.control.CreateIndexForModel(ctx, &pinecone.CreateIndexForModelRequest{
		Name:   name,
		Cloud:  pinecone.Cloud(cloud),
		Region: region,
		Embed: pinecone.CreateIndexForModelEmbed{
			Model:    model,
			FieldMap: map[string]interface{}{"text": spec.TextField()},
		},
	})
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %v", index.ErrAlreadyExists, err)
		}
		return err
	}
	if idx != nil && idx.Host != "" {
		b.setHost(name, idx.Host)
	}
	if idx != nil && idx.Status != nil && idx.Status.Ready {
		return nil
	}
	return b.waitReady(ctx, name)
}

func (b *Backend) waitReady(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, b.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		idx, err := b.control.DescribeIndex(ctx, name)
		if err == nil && idx != nil {
			b.setHost(name, idx.Host)
			if idx.Status != nil && idx.Status.Ready {
				log.Info().Str("index", name).Str("host", idx.Host).Msg("index ready")
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("index %s not ready: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *Backend) DescribeIndex(ctx context.Context, name string) (index.Spec, error) {
	idx, err := b.control.DescribeIndex(ctx, name)
	if err != nil {
		return index.Spec{}, err
	}
	b.setHost(name, idx.Host)

	var spec index.Spec
	if idx.Embed != nil {
		spec.EmbeddingModel = idx.Embed.Model
		if idx.Embed.FieldMap != nil {
			spec.FieldMap = make(map[string]string, len(*idx.Embed.FieldMap))
			for k, v := range *idx.Embed.FieldMap {
				spec.FieldMap[k] = fmt.Sprint(v)
			}
		}
	}
	if idx.Spec != nil && idx.Spec.Serverless != nil {
		spec.Cloud = string(idx.Spec.Serverless.Cloud)
		spec.Region = idx.Spec.Serverless.Region
	}
	return spec, nil
}

// Upsert writes records in one call. Pinecone accepts or rejects a batch as a whole, so every
// record shares the call's result.
func (b *Backend) Upsert(ctx context.Context, h index.Handle, records []models.IndexRecord) []error {
	errs := make([]error, len(records))
	fail := func(err error) []error {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	conn, err := b.conn(ctx, h)
	if err != nil {
		return fail(err)
	}
	batch := make([]*pinecone.IntegratedRecord, len(records))
	for i, r := range records {
		batch[i] = toRecord(r, h.Spec.TextField())
	}
	if err := conn.UpsertRecords(ctx, batch); err != nil {
		return fail(err)
	}
	return errs
}

// Close releases data plane connections.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for key, c := range b.conns {
		errs = append(errs, c.Close())
		delete(b.conns, key)
	}
	return errors.Join(errs...)
}

func (b *Backend) conn(ctx context.Context, h index.Handle) (RecordWriter, error) {
	key := h.Name + "/" + h.Namespace
	b.mu.Lock()
	c, ok := b.conns[key]
	host := b.hosts[h.Name]
	b.mu.Unlock()
	if ok {
		return c, nil
	}

	if host == "" {
		idx, err := b.control.DescribeIndex(ctx, h.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve host for %s: %w", h.Name, err)
		}
		host = idx.Host
		b.setHost(h.Name, host)
	}
	c, err := b.connect(host, h.Namespace)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", host, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.conns[key]; ok {
		_ = c.Close()
		return existing, nil
	}
	b.conns[key] = c
	return c, nil
}

func (b *Backend) setHost(name, host string) {
	if host == "" {
		return
	}
	b.mu.Lock()
	b.hosts[name] = host
	b.mu.Unlock()
}

func toRecord(r models.IndexRecord, textField string) *pinecone.IntegratedRecord {
	return &pinecone.IntegratedRecord{
		"_id":         r.ID,
		textField:     r.Text,
		"repo_owner":  r.Metadata.RepoOwner,
		"repo_name":   r.Metadata.RepoName,
		"file_path":   r.Metadata.FilePath,
		"chunk_index": r.Metadata.ChunkIndex,
		"language":    r.Metadata.Language,
	}
}

func isConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "409")
}
