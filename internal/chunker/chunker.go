// Package chunker splits source files into size-bounded chunks whose boundaries follow the
// syntax tree where possible.
//
// Sizes are counted in characters (runes). Given an Envelope{Min, Max}, every chunk but the
// last holds between Min and Max characters, the last holds at most Max, no chunk is empty,
// and concatenating the chunks in index order gives back the input byte for byte.
//
// Within the window [Min, Max] the end of a chunk is the best-scoring candidate boundary:
// edges of syntax nodes score highest (shallower nodes beat deeper ones), then blank lines,
// line ends, other whitespace, and finally any character boundary. Ties go to the farthest
// candidate so chunks stay as large as the envelope allows.
package chunker

import (
	"errors"
	"fmt"

	"github.com/seanblong/repocontext/pkg/models"
)

// Envelope bounds chunk sizes in characters.
type Envelope struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (e Envelope) Validate() error {
	if e.Min <= 0 || e.Max <= 0 {
		return fmt.Errorf("chunk envelope must be positive, got (%d, %d)", e.Min, e.Max)
	}
	if e.Min > e.Max {
		return fmt.Errorf("chunk envelope min %d exceeds max %d", e.Min, e.Max)
	}
	return nil
}

// Splitter turns a file into ordered chunks.
type Splitter interface {
	Split(file models.SourceFile) ([]models.Chunk, error)
}

// FallbackPolicy decides what happens to files the syntax splitter cannot parse.
type FallbackPolicy string

const (
	// FallbackLines splits unparsable files on line and whitespace boundaries.
	FallbackLines FallbackPolicy = "lines"
	// FallbackFail reports unparsable files as a *SplitError.
	FallbackFail FallbackPolicy = "fail"
)

func ParsePolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(s) {
	case FallbackLines, "":
		return FallbackLines, nil
	case FallbackFail:
		return FallbackFail, nil
	}
	return "", fmt.Errorf("unknown fallback policy %q", s)
}

// ErrUnparsable is wrapped by SplitError when the syntax tree is mostly errors.
var ErrUnparsable = errors.New("source could not be parsed")

type SplitError struct {
	Path     string
	Language string
	Err      error
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("split %s (%s): %v", e.Path, e.Language, e.Err)
}

func (e *SplitError) Unwrap() error { return e.Err }

// Lines splits on line and whitespace boundaries only.
type Lines struct {
	Envelope Envelope
}

func NewLines(env Envelope) (*Lines, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &Lines{Envelope: env}, nil
}

func (l *Lines) Split(file models.SourceFile) ([]models.Chunk, error) {
	d := newDoc(file.Content)
	return d.pack(file.Path, l.Envelope), nil
}
