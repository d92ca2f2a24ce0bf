package models

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalidRef is returned when a repository reference cannot name a GitHub repository.
var ErrInvalidRef = errors.New("invalid repository reference")

var refPart = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// RepositoryRef identifies a source repository.
type RepositoryRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// Validate reports whether owner and name are usable both in a clone URL and in record ids.
func (r RepositoryRef) Validate() error {
	if !refPart.MatchString(r.Owner) || r.Owner == "." || r.Owner == ".." {
		return fmt.Errorf("%w: owner %q", ErrInvalidRef, r.Owner)
	}
	if !refPart.MatchString(r.Name) || r.Name == "." || r.Name == ".." {
		return fmt.Errorf("%w: name %q", ErrInvalidRef, r.Name)
	}
	return nil
}

func (r RepositoryRef) String() string { return r.Owner + "/" + r.Name }

// CloneURL returns the https transport URL of the repository.
func (r RepositoryRef) CloneURL() string {
	return "https://github.com/" + r.Owner + "/" + r.Name + ".git"
}

type SourceFile struct {
	Path     string `json:"path"` // slash separated, relative to the tree root
	Content  string `json:"content"`
	Language string `json:"language"`
}

// Span is a byte range [Start, End) into the source file.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Span) Len() int { return s.End - s.Start }

type Chunk struct {
	Path  string `json:"path"`
	Index int    `json:"index"`
	Text  string `json:"text"`
	Span  Span   `json:"span"`
}

type EnrichedChunk struct {
	Chunk   Chunk  `json:"chunk"`
	Context string `json:"context"`
}

// Text is the string that gets embedded: the context, a blank line, then the chunk.
func (e EnrichedChunk) Text() string {
	if e.Context == "" {
		return e.Chunk.Text
	}
	return e.Context + "\n\n" + e.Chunk.Text
}

type RecordMetadata struct {
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	FilePath   string `json:"file_path"`
	ChunkIndex int    `json:"chunk_index"`
	Language   string `json:"language,omitempty"`
}

type IndexRecord struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata RecordMetadata `json:"metadata"`
}

// RecordID derives the identity of a chunk in the index. Existing indices depend on this
// exact format; changing it turns upserts into duplicates.
func RecordID(owner, name, path string, index int) string {
	return "repo:" + owner + "/" + name + ":" + path + ":" + strconv.Itoa(index)
}

// NewIndexRecord builds the record written for an enriched chunk of ref.
func NewIndexRecord(ref RepositoryRef, language string, ec EnrichedChunk) IndexRecord {
	return IndexRecord{
		ID:   RecordID(ref.Owner, ref.Name, ec.Chunk.Path, ec.Chunk.Index),
		Text: ec.Text(),
		Metadata: RecordMetadata{
			RepoOwner:  ref.Owner,
			RepoName:   ref.Name,
			FilePath:   ec.Chunk.Path,
			ChunkIndex: ec.Chunk.Index,
			Language:   language,
		},
	}
}
