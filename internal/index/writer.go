package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seanblong/repocontext/pkg/models"
)

// DefaultBatchSize matches the largest batch Pinecone accepts for integrated records.
const DefaultBatchSize = 96

// Writer upserts records into an index, reporting a result per record.
type Writer struct {
	backend   Backend
	batchSize int
	timeout   time.Duration
}

// NewWriter returns a Writer. batchSize <= 0 selects DefaultBatchSize and a zero timeout
// leaves calls bounded only by the caller's context.
func NewWriter(b Backend, batchSize int, timeout time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Writer{backend: b, batchSize: batchSize, timeout: timeout}
}

// Write upserts a single record.
func (w *Writer) Write(ctx context.Context, h Handle, record models.IndexRecord) error {
	return w.WriteBatch(ctx, h, []models.IndexRecord{record})[0]
}

// WriteBatch upserts records in groups of the configured batch size. The result has one
// entry per record: nil or a *WriteError.
func (w *Writer) WriteBatch(ctx context.Context, h Handle, records []models.IndexRecord) []error {
	errs := make([]error, len(records))
	for start := 0; start < len(records); start += w.batchSize {
		end := min(start+w.batchSize, len(records))
		w.writeGroup(ctx, h, records[start:end], errs[start:end])
	}
	return errs
}

func (w *Writer) writeGroup(ctx context.Context, h Handle, records []models.IndexRecord, errs []error) {
	valid := make([]models.IndexRecord, 0, len(records))
	slots := make([]int, 0, len(records))
	for i, r := range records {
		if r.ID == "" {
			errs[i] = &WriteError{ID: r.ID, Err: errors.New("record has no id")}
			continue
		}
		valid = append(valid, r)
		slots = append(slots, i)
	}
	if len(valid) == 0 {
		return
	}

	if ctx.Err() != nil {
		for _, i := range slots {
			errs[i] = &WriteError{ID: records[i].ID, Err: ctx.Err()}
		}
		return
	}

	callCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	results := w.backend.Upsert(callCtx, h, valid)
	if len(results) != len(valid) {
		err := fmt.Errorf("backend returned %d results for %d records", len(results), len(valid))
		for _, i := range slots {
			errs[i] = &WriteError{ID: records[i].ID, Err: err}
		}
		return
	}
	for j, err := range results {
		if err == nil {
			continue
		}
		i := slots[j]
		var we *WriteError
		if errors.As(err, &we) {
			errs[i] = we
			continue
		}
		errs[i] = &WriteError{ID: records[i].ID, Err: err}
	}
}
