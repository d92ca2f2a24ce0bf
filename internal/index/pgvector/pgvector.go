// Package pgvector stores records in PostgreSQL tables with a pgvector column. Unlike
// Pinecone, Postgres does not embed text itself, so records are embedded client side.
package pgvector

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/repocontext/internal/index"
	"github.com/seanblong/repocontext/pkg/models"
)

const catalogTable = "repocontext_indexes"

// Embedder turns record text into vectors. ai.Client implementations satisfy it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Store provides methods to interact with the database.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// New creates a new Store connected to the given database URL.
func New(ctx context.Context, url string, embedder Embedder) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: p, embedder: embedder}
	if err := s.migrate(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS ` + catalogTable + ` (
  name            TEXT PRIMARY KEY,
  embedding_model TEXT NOT NULL,
  field_map       JSONB NOT NULL DEFAULT '{}',
  dimension       INT NOT NULL,
  created_at      TIMESTAMP WITH TIME ZONE DEFAULT now()
);`
	_, err := s.pool.Exec(ctx, q)
	return err
}

func (s *Store) HasIndex(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+catalogTable+` WHERE name = $1)`, name).Scan(&ok)
	return ok, err
}

// CreateIndex registers the index and creates its table.
func (s *Store) CreateIndex(ctx context.Context, name string, spec index.Spec) error {
	dim := spec.Dimension
	if dim <= 0 {
		dim = s.embedder.Dim()
	}
	if dim <= 0 {
		return errors.New("embedding dimension is unknown")
	}
	fieldMap, err := json.Marshal(spec.FieldMap)
	if err != nil {
		return err
	}
	table := tableName(name)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO `+catalogTable+` (name, embedding_model, field_map, dimension)
		VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO NOTHING`,
		name, spec.EmbeddingModel, fieldMap, dim)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", index.ErrAlreadyExists, name)
	}

	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id            TEXT NOT NULL,
  namespace     TEXT NOT NULL DEFAULT '',
  repo_owner    TEXT NOT NULL,
  repo_name     TEXT NOT NULL,
  file_path     TEXT NOT NULL,
  chunk_index   INT NOT NULL,
  language      TEXT,
  chunk_text    TEXT NOT NULL,
  content_hash  TEXT NOT NULL,
  embedding     vector(%[2]d),
  updated_at    TIMESTAMP WITH TIME ZONE DEFAULT now(),
  PRIMARY KEY (namespace, id)
);

CREATE INDEX IF NOT EXISTS %[3]s
  ON %[1]s (repo_owner, repo_name, file_path);

CREATE INDEX IF NOT EXISTS %[4]s
  ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, table.Sanitize(), dim,
		pgx.Identifier{table[0] + "_path_idx"}.Sanitize(),
		pgx.Identifier{table[0] + "_embedding_idx"}.Sanitize())

	if _, err := tx.Exec(ctx, q); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) DescribeIndex(ctx context.Context, name string) (index.Spec, error) {
	var spec index.Spec
	var fieldMap []byte
	err := s.pool.QueryRow(ctx, `SELECT embedding_model, field_map, dimension FROM `+catalogTable+` WHERE name = $1`, name).
		Scan(&spec.EmbeddingModel, &fieldMap, &spec.Dimension)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return index.Spec{}, fmt.Errorf("index %s not found", name)
		}
		return index.Spec{}, err
	}
	if len(fieldMap) > 0 && string(fieldMap) != "null" {
		if err := json.Unmarshal(fieldMap, &spec.FieldMap); err != nil {
			return index.Spec{}, fmt.Errorf("decode field map: %w", err)
		}
	}
	return spec, nil
}

// Upsert embeds and writes each record. Records whose text hash is unchanged keep their
// stored embedding.
func (s *Store) Upsert(ctx context.Context, h index.Handle, records []models.IndexRecord) []error {
	errs := make([]error, len(records))
	table := tableName(h.Name).Sanitize()

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	known, err := s.hashes(ctx, table, h.Namespace, ids)
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	const upsert = `
		INSERT INTO %s (
			id, namespace, repo_owner, repo_name, file_path, chunk_index, language,
			chunk_text, content_hash, embedding, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
		ON CONFLICT (namespace, id) DO UPDATE SET
			repo_owner   = EXCLUDED.repo_owner,
			repo_name    = EXCLUDED.repo_name,
			file_path    = EXCLUDED.file_path,
			chunk_index  = EXCLUDED.chunk_index,
			language     = EXCLUDED.language,
			chunk_text   = EXCLUDED.chunk_text,
			content_hash = EXCLUDED.content_hash,
			embedding    = COALESCE(EXCLUDED.embedding, %s.embedding),
			updated_at   = now();`
	q := fmt.Sprintf(upsert, table, table)

	for i, r := range records {
		hash := hashContent(r.Text)
		var vec any = (*pgv.Vector)(nil)
		if known[r.ID] != hash {
			emb, err := s.embedder.Embed(ctx, r.Text)
			if err != nil {
				errs[i] = fmt.Errorf("embed: %w", err)
				continue
			}
			vec = pgv.NewVector(emb)
		} else {
			log.Debug().Str("id", r.ID).Msg("content unchanged, keeping embedding")
		}

		_, err := s.pool.Exec(ctx, q,
			r.ID, h.Namespace, r.Metadata.RepoOwner, r.Metadata.RepoName, r.Metadata.FilePath,
			r.Metadata.ChunkIndex, r.Metadata.Language, r.Text, hash, vec,
		)
		if err != nil {
			errs[i] = describePgError(err)
		}
	}
	return errs
}

func (s *Store) hashes(ctx context.Context, table, namespace string, ids []string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, content_hash FROM `+table+` WHERE namespace = $1 AND id = ANY($2) AND embedding IS NOT NULL`,
		namespace, ids)
	if err != nil {
		return nil, describePgError(err)
	}
	defer rows.Close()

	out := make(map[string]string, len(ids))
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// tableName maps an index name onto a table identifier.
func tableName(name string) pgx.Identifier {
	clean := unsafeIdent.ReplaceAllString(strings.ToLower(name), "_")
	return pgx.Identifier{"rc_" + strings.Trim(clean, "_")}
}

// hashContent returns the SHA-1 hash of the given content as a hex string.
func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func describePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s: %s: %w", pgErr.Code, pgErr.Message, err)
	}
	return err
}
