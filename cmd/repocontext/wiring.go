package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repocontext/internal/ai"
	"github.com/seanblong/repocontext/internal/chunker"
	"github.com/seanblong/repocontext/internal/config"
	"github.com/seanblong/repocontext/internal/enrich"
	"github.com/seanblong/repocontext/internal/index"
	"github.com/seanblong/repocontext/internal/index/memory"
	"github.com/seanblong/repocontext/internal/index/pgvector"
	"github.com/seanblong/repocontext/internal/index/pinecone"
	"github.com/seanblong/repocontext/internal/index/weaviate"
	"github.com/seanblong/repocontext/internal/pipeline"
	"github.com/seanblong/repocontext/internal/source"
	"github.com/seanblong/repocontext/internal/walker"
)

// newPipeline assembles the stages mode needs. The returned cleanup releases backend
// connections and must be called once the run is over.
func newPipeline(ctx context.Context, cfg config.Specification, mode pipeline.Mode, skipEnrich bool) (*pipeline.Pipeline, func(), error) {
	policy, err := chunker.ParsePolicy(cfg.FallbackPolicy)
	if err != nil {
		return nil, nil, err
	}
	splitter, err := chunker.NewTreeSitter(chunker.Envelope{Min: cfg.ChunkMin, Max: cfg.ChunkMax}, policy)
	if err != nil {
		return nil, nil, err
	}

	p := &pipeline.Pipeline{
		Acquirer:    source.New(cfg.GithubToken, cfg.CloneDepth),
		Walker:      walker.New(cfg.Suffixes, cfg.MaxFileSize),
		Splitter:    splitter,
		Mode:        mode,
		LocalRoot:   cfg.RepoRoot,
		MaxChunks:   cfg.MaxChunks,
		Concurrency: cfg.Concurrency,
	}
	noop := func() {}
	if mode == pipeline.ModeChunk {
		return p, noop, nil
	}

	client, err := ai.NewClient(ctx, clientConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}
	if !skipEnrich {
		p.Enricher = enrich.New(enrich.NewRetrying(client, uint64(cfg.Retries)), enrich.Options{
			Timeout:           cfg.EnrichTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxContextChars:   cfg.MaxContextChars,
		})
	}
	if mode == pipeline.ModeEnrich {
		return p, noop, nil
	}

	backend, cleanup, err := newBackend(ctx, cfg.Index, client)
	if err != nil {
		return nil, nil, err
	}
	manager := index.NewManager(backend, cfg.Index.Namespace)
	manager.Strict = cfg.Index.Strict

	p.Indexes = manager
	p.Writer = index.NewWriter(backend, cfg.Index.BatchSize, cfg.Index.WriteTimeout)
	p.IndexName = cfg.Index.Name
	p.IndexSpec = index.Spec{
		EmbeddingModel: cfg.Index.EmbeddingModel,
		FieldMap:       map[string]string{"text": cfg.Index.TextField},
		Cloud:          cfg.Index.Cloud,
		Region:         cfg.Index.Region,
		Dimension:      client.Dim(),
	}
	return p, cleanup, nil
}

func clientConfig(cfg config.Specification) *ai.ClientConfig {
	return &ai.ClientConfig{
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		EmbedModel:      cfg.EmbedModel,
		CompletionModel: cfg.CompletionModel,
		Dim:             cfg.Dim,
		ProjectID:       cfg.ProjectID,
		Location:        cfg.Location,
		Provider:        ai.Provider(strings.ToLower(cfg.Provider)),
		Timeout:         cfg.EnrichTimeout,
	}
}

// newBackend connects to the configured index service. Backends that store vectors
// themselves embed records with client.
func newBackend(ctx context.Context, cfg config.IndexSpecification, client ai.Client) (index.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendPinecone:
		b, err := pinecone.New(cfg.PineconeAPIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to pinecone: %w", err)
		}
		return b, func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("closing pinecone connections")
			}
		}, nil
	case config.BackendPgvector:
		s, err := pgvector.New(ctx, cfg.Database, client)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return s, s.Close, nil
	case config.BackendWeaviate:
		b, err := weaviate.New(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme, APIKey: cfg.WeaviateAPIKey}, client)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to weaviate: %w", err)
		}
		return b, func() {}, nil
	case config.BackendMemory:
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}
