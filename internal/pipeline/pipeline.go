// Package pipeline drives a repository through acquisition, walking, splitting, enrichment
// and indexing. Files are pulled from the walker one at a time and only the chunks of the
// current file are held in memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repocontext/internal/chunker"
	"github.com/seanblong/repocontext/internal/index"
	"github.com/seanblong/repocontext/internal/source"
	"github.com/seanblong/repocontext/internal/walker"
	"github.com/seanblong/repocontext/pkg/models"
)

// Mode selects how far chunks travel.
type Mode string

const (
	ModeChunk  Mode = "chunk"
	ModeEnrich Mode = "enrich"
	ModeIndex  Mode = "index"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeChunk, ModeEnrich, ModeIndex:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Acquirer materializes a repository. *source.Acquirer implements it.
type Acquirer interface {
	Acquire(ctx context.Context, ref models.RepositoryRef) (*source.WorkingTree, error)
}

// Walker enumerates source files under a root. *walker.Walker implements it.
type Walker interface {
	Walk(ctx context.Context, root string) iter.Seq2[models.SourceFile, error]
}

// Enricher produces situating context for a chunk. *enrich.Enricher implements it.
type Enricher interface {
	Enrich(ctx context.Context, document, chunk string) (string, error)
}

// Indexes hands out index handles. *index.Manager implements it.
type Indexes interface {
	Ensure(ctx context.Context, name string, spec index.Spec) (index.Handle, error)
}

// RecordWriter upserts one record. *index.Writer implements it.
type RecordWriter interface {
	Write(ctx context.Context, h index.Handle, record models.IndexRecord) error
}

// Pipeline holds the stages of a run. A Pipeline may be reused for several runs.
type Pipeline struct {
	Acquirer Acquirer
	Walker   Walker
	Splitter chunker.Splitter
	// Enricher is required in ModeEnrich. In ModeIndex a nil Enricher writes raw chunks.
	Enricher Enricher
	Indexes  Indexes
	Writer   RecordWriter

	Mode      Mode
	IndexName string
	IndexSpec index.Spec
	// LocalRoot, when set, is used as the working tree instead of acquiring the repository.
	LocalRoot string
	// MaxChunks caps the chunks processed in a run; <= 0 means no cap.
	MaxChunks int
	// Concurrency > 1 enriches and writes that many chunks at once.
	Concurrency int

	Metrics *Metrics
}

func (p *Pipeline) validate() error {
	if p.Walker == nil || p.Splitter == nil {
		return errors.New("pipeline needs a walker and a splitter")
	}
	if p.LocalRoot == "" && p.Acquirer == nil {
		return errors.New("pipeline needs an acquirer or a local root")
	}
	switch p.Mode {
	case ModeChunk:
	case ModeEnrich:
		if p.Enricher == nil {
			return errors.New("enrich mode needs an enricher")
		}
	case ModeIndex:
		if p.Indexes == nil || p.Writer == nil {
			return errors.New("index mode needs an index manager and a writer")
		}
		if p.IndexName == "" {
			return errors.New("index mode needs an index name")
		}
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	return nil
}

func (p *Pipeline) tree(ctx context.Context, ref models.RepositoryRef) (*source.WorkingTree, error) {
	if err := ref.Validate(); err != nil {
		return nil, &source.AcquisitionError{Ref: ref, Reason: source.ReasonInvalid, Err: err}
	}
	if p.LocalRoot != "" {
		return source.LocalTree(ref, p.LocalRoot)
	}
	return p.Acquirer.Acquire(ctx, ref)
}

// Entries acquires ref and lists the top level of its tree.
func (p *Pipeline) Entries(ctx context.Context, ref models.RepositoryRef) ([]string, error) {
	if p.LocalRoot == "" && p.Acquirer == nil {
		return nil, errors.New("pipeline needs an acquirer or a local root")
	}
	tree, err := p.tree(ctx, ref)
	if err != nil {
		return nil, err
	}
	var entries []string
	err = tree.Use(func(wt *source.WorkingTree) error {
		entries, err = wt.Entries()
		return err
	})
	return entries, err
}

// Run processes ref and calls emit with every outcome, from a single goroutine. Per-file and
// per-chunk failures are reported through outcomes and the summary; the returned error is
// set only when the run as a whole failed. The working tree is removed before Run returns,
// also when a stage panics; the panic is then re-raised on the calling goroutine.
func (p *Pipeline) Run(ctx context.Context, ref models.RepositoryRef, emit func(Outcome)) (Summary, error) {
	if err := p.validate(); err != nil {
		return Summary{}, err
	}
	if emit == nil {
		emit = func(Outcome) {}
	}
	if p.Metrics == nil {
		p.Metrics = NewMetrics(nil)
	}

	tree, err := p.tree(ctx, ref)
	if err != nil {
		return Summary{}, err
	}

	start := time.Now()
	r := &run{p: p, ref: ref, emit: emit}
	err = tree.Use(func(wt *source.WorkingTree) error {
		return r.process(ctx, wt.Root)
	})
	log.Info().
		Str("repo", ref.String()).
		Int("files", r.summary.Files).
		Int("attempted", r.summary.Attempted).
		Int("written", r.summary.Written).
		Int("failures", len(r.summary.Failures)).
		Dur("took", time.Since(start)).
		Msg("run finished")
	return r.summary, err
}

type job struct {
	file  models.SourceFile
	chunk models.Chunk
}

// run is the state of one Run call.
type run struct {
	p       *Pipeline
	ref     models.RepositoryRef
	emit    func(Outcome)
	summary Summary

	handle  index.Handle
	ensured bool
}

// record must only be called from the goroutine that owns the summary.
func (r *run) record(o Outcome) {
	r.summary.add(o)
	r.p.Metrics.observe(o)
	if o.Failure != nil {
		log.Warn().Err(o.Failure.Err).
			Str("path", o.Failure.Path).
			Int("chunk", o.Failure.Chunk).
			Str("kind", string(o.Failure.Kind)).
			Msg("pipeline failure")
	}
	r.emit(o)
}

func (r *run) process(ctx context.Context, root string) error {
	if r.p.Concurrency <= 1 || r.p.Mode == ModeChunk {
		return r.produce(ctx, root, func(j job) error {
			r.record(r.processChunk(ctx, j))
			return nil
		}, r.record)
	}

	n := r.p.Concurrency
	log.Info().Int("workers", n).Msg("starting concurrent processing")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var pv panicValue

	workChan := make(chan job, n*2)
	results := make(chan Outcome, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		healthy := true
		for o := range results {
			if healthy {
				healthy = pv.guard(cancel, func() { r.record(o) })
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for j := range workChan {
				if !pv.guard(cancel, func() { results <- r.processChunk(ctx, j) }) {
					log.Debug().Int("worker", workerID).Msg("worker stopped by panic")
					return
				}
			}
			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

	err := pv.guardErr(cancel, func() error {
		return r.produce(ctx, root,
			func(j job) error {
				select {
				case workChan <- j:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			func(o Outcome) { results <- o },
		)
	})

	close(workChan)
	wg.Wait()
	close(results)
	<-done
	if v, ok := pv.get(); ok {
		panic(v)
	}
	return err
}

// panicValue keeps the first panic raised by a goroutine of a concurrent run so it can be
// re-raised on the goroutine that owns the working tree.
type panicValue struct {
	mu  sync.Mutex
	set bool
	val any
}

// guard runs fn and reports false if it panicked. A panic cancels the run.
func (p *panicValue) guard(cancel context.CancelFunc, fn func()) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			p.store(v)
			cancel()
			ok = false
		}
	}()
	fn()
	return true
}

func (p *panicValue) guardErr(cancel context.CancelFunc, fn func() error) (err error) {
	p.guard(cancel, func() { err = fn() })
	return err
}

func (p *panicValue) store(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.set {
		p.set, p.val = true, v
	}
}

func (p *panicValue) get() (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val, p.set
}

// produce walks the tree, splits each file and hands its chunks to dispatch. File-level
// failures go to report.
func (r *run) produce(ctx context.Context, root string, dispatch func(job) error, report func(Outcome)) error {
	count := 0
	for file, err := range r.p.Walker.Walk(ctx, root) {
		if err != nil {
			var ww *walker.WalkWarning
			if !errors.As(err, &ww) {
				return err
			}
			report(Outcome{Chunk: models.Chunk{Path: ww.Path}, Failure: newFailure(ww.Path, -1, err)})
			continue
		}
		r.summary.Files++
		r.p.Metrics.files.Inc()

		chunks, err := r.p.Splitter.Split(file)
		if err != nil {
			report(Outcome{Chunk: models.Chunk{Path: file.Path}, Language: file.Language, Failure: newFailure(file.Path, -1, err)})
			continue
		}
		log.Debug().Str("path", file.Path).Int("chunks", len(chunks)).Msg("file split")

		for _, c := range chunks {
			if err := r.ensureIndex(ctx); err != nil {
				return err
			}
			if err := dispatch(job{file: file, chunk: c}); err != nil {
				return err
			}
			count++
			if err := ctx.Err(); err != nil {
				return err
			}
			// Stop before the walker reads another file.
			if r.p.MaxChunks > 0 && count >= r.p.MaxChunks {
				log.Info().Int("max_chunks", r.p.MaxChunks).Msg("chunk limit reached")
				return nil
			}
		}
	}
	return ctx.Err()
}

func (r *run) ensureIndex(ctx context.Context) error {
	if r.p.Mode != ModeIndex || r.ensured {
		return nil
	}
	h, err := r.p.Indexes.Ensure(ctx, r.p.IndexName, r.p.IndexSpec)
	if err != nil {
		return err
	}
	r.handle, r.ensured = h, true
	return nil
}

// processChunk runs the enrichment and write stages for one chunk. It is safe to call from
// several goroutines.
func (r *run) processChunk(ctx context.Context, j job) Outcome {
	o := Outcome{Chunk: j.chunk, Language: j.file.Language}
	if r.p.Mode == ModeChunk {
		return o
	}

	ec := models.EnrichedChunk{Chunk: j.chunk}
	if r.p.Enricher != nil {
		start := time.Now()
		c, err := r.p.Enricher.Enrich(ctx, j.file.Content, j.chunk.Text)
		r.p.Metrics.enrichDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			o.Failure = newFailure(j.chunk.Path, j.chunk.Index, err)
			return o
		}
		ec.Context = c
		o.Context, o.Enriched = c, true
	}
	if r.p.Mode == ModeEnrich {
		return o
	}

	rec := models.NewIndexRecord(r.ref, j.file.Language, ec)
	o.RecordID = rec.ID
	start := time.Now()
	err := r.p.Writer.Write(ctx, r.handle, rec)
	r.p.Metrics.writeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		o.Failure = newFailure(j.chunk.Path, j.chunk.Index, err)
		return o
	}
	o.Written = true
	log.Debug().Str("id", rec.ID).Msg("record written")
	return o
}
