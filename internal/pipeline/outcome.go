package pipeline

import (
	"errors"
	"fmt"

	"github.com/seanblong/repocontext/internal/chunker"
	"github.com/seanblong/repocontext/internal/enrich"
	"github.com/seanblong/repocontext/internal/index"
	"github.com/seanblong/repocontext/internal/source"
	"github.com/seanblong/repocontext/internal/walker"
	"github.com/seanblong/repocontext/pkg/models"
)

// Kind classifies a failure by the stage that produced it.
type Kind string

const (
	KindAcquire Kind = "acquire"
	KindWalk    Kind = "walk"
	KindSplit   Kind = "split"
	KindEnrich  Kind = "enrich"
	KindCreate  Kind = "create"
	KindWrite   Kind = "write"
	KindOther   Kind = "other"
)

// Classify maps a component error onto its Kind.
func Classify(err error) Kind {
	var (
		ae *source.AcquisitionError
		ww *walker.WalkWarning
		se *chunker.SplitError
		ee *enrich.EnrichmentError
		ce *index.CreationError
		we *index.WriteError
	)
	switch {
	case errors.As(err, &ae):
		return KindAcquire
	case errors.As(err, &ce):
		return KindCreate
	case errors.As(err, &ww):
		return KindWalk
	case errors.As(err, &se):
		return KindSplit
	case errors.As(err, &ee):
		return KindEnrich
	case errors.As(err, &we):
		return KindWrite
	}
	return KindOther
}

// Failure is a file or chunk that did not make it through the pipeline. Chunk is -1 for
// failures that concern a whole file.
type Failure struct {
	Kind  Kind
	Path  string
	Chunk int
	Err   error
}

func newFailure(path string, chunk int, err error) *Failure {
	return &Failure{Kind: Classify(err), Path: path, Chunk: chunk, Err: err}
}

// Reason gives a finer classification where the error carries one.
func (f Failure) Reason() string {
	var ee *enrich.EnrichmentError
	if errors.As(f.Err, &ee) {
		return string(ee.Reason)
	}
	return ""
}

func (f Failure) String() string {
	where := f.Path
	if f.Chunk >= 0 {
		where = fmt.Sprintf("%s#%d", f.Path, f.Chunk)
	}
	if r := f.Reason(); r != "" {
		return fmt.Sprintf("[%s/%s] %s: %v", f.Kind, r, where, f.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", f.Kind, where, f.Err)
}

// Outcome reports what happened to one chunk, or to a file that produced no chunks.
type Outcome struct {
	Chunk    models.Chunk
	Language string
	// Context is the situating context, set once the chunk was enriched.
	Context  string
	Enriched bool
	RecordID string
	Written  bool
	Failure  *Failure
}

// Summary aggregates the outcomes of a run.
type Summary struct {
	Files     int
	Attempted int
	Enriched  int
	Written   int
	Failures  []Failure
}

// Counts returns the number of failures per kind.
func (s Summary) Counts() map[Kind]int {
	out := make(map[Kind]int)
	for _, f := range s.Failures {
		out[f.Kind]++
	}
	return out
}

func (s *Summary) add(o Outcome) {
	if o.Failure != nil {
		s.Failures = append(s.Failures, *o.Failure)
	}
	if o.Failure != nil && o.Failure.Chunk < 0 {
		return
	}
	s.Attempted++
	if o.Enriched {
		s.Enriched++
	}
	if o.Written {
		s.Written++
	}
}
