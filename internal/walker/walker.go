package walker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/repocontext/pkg/models"
)

// DefaultMaxFileSize skips generated or vendored blobs that would never fit a prompt anyway.
const DefaultMaxFileSize = 1 << 20

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// WalkWarning reports a file that was skipped. It never stops a walk.
type WalkWarning struct {
	Path string
	Err  error
}

func (w *WalkWarning) Error() string { return fmt.Sprintf("skip %s: %v", w.Path, w.Err) }

func (w *WalkWarning) Unwrap() error { return w.Err }

var (
	errNotText  = errors.New("not a text file")
	errTooLarge = errors.New("file too large")
	errStop     = errors.New("walk stopped")
)

// Walker enumerates source files under a tree.
type Walker struct {
	// Suffixes selects files by name suffix (".py"); empty selects every file that is not skipped.
	Suffixes    []string
	MaxFileSize int
	FS          FileSystemWalker
	Reader      FileReader
}

// New creates a Walker over the real filesystem.
func New(suffixes []string, maxFileSize int) *Walker {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Walker{
		Suffixes:    suffixes,
		MaxFileSize: maxFileSize,
		FS:          &DefaultFileSystemWalker{},
		Reader:      &DefaultFileReader{},
	}
}

// Walk yields matching files depth-first with siblings in lexical order. Skipped files are
// yielded as *WalkWarning errors; any other error ends the sequence. Every call starts a new
// traversal, and breaking out of the loop stops the walk.
func (w *Walker) Walk(ctx context.Context, root string) iter.Seq2[models.SourceFile, error] {
	return func(yield func(models.SourceFile, error) bool) {
		stopped := false
		emit := func(f models.SourceFile, err error) error {
			if !yield(f, err) {
				stopped = true
				return errStop
			}
			return nil
		}

		err := w.FS.Walk(root, &godirwalk.Options{
			Unsorted: false,
			Callback: func(path string, de *godirwalk.Dirent) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				relPath := rel(root, path)
				if de != nil {
					if de.IsDir() {
						if relPath != "." && shouldSkipDir(de.Name()) {
							return godirwalk.SkipThis
						}
						return nil
					}
					if de.IsSymlink() {
						return nil
					}
				}
				if shouldSkip(relPath) || !w.matches(relPath) {
					return nil
				}

				b, err := w.Reader.ReadFile(path)
				switch {
				case err != nil:
				case w.MaxFileSize > 0 && len(b) > w.MaxFileSize:
					err = errTooLarge
				case !isText(b):
					err = errNotText
				}
				if err != nil {
					log.Warn().Err(err).Str("path", relPath).Msg("skipping file")
					return emit(models.SourceFile{Path: relPath}, &WalkWarning{Path: relPath, Err: err})
				}

				return emit(models.SourceFile{Path: relPath, Content: string(b), Language: GuessLang(relPath)}, nil)
			},
			ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
				if stopped || errors.Is(err, errStop) || ctx.Err() != nil {
					return godirwalk.Halt
				}
				relPath := rel(root, path)
				log.Warn().Err(err).Str("path", relPath).Msg("walk error")
				if emit(models.SourceFile{Path: relPath}, &WalkWarning{Path: relPath, Err: err}) != nil {
					return godirwalk.Halt
				}
				return godirwalk.SkipNode
			},
		})
		if stopped {
			return
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			yield(models.SourceFile{}, fmt.Errorf("walk %s: %w", root, err))
		}
	}
}

func (w *Walker) matches(path string) bool {
	if len(w.Suffixes) == 0 {
		return true
	}
	p := strings.ToLower(path)
	for _, s := range w.Suffixes {
		if strings.HasSuffix(p, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func isText(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}

var skipDirs = map[string]bool{
	".git": true, "vendor": true, ".terraform": true, "node_modules": true, "target": true,
	"build": true, "dist": true, "out": true, "bin": true, "obj": true, ".venv": true, "venv": true,
	"__pycache__": true, ".pytest_cache": true, ".gradle": true, ".m2": true, ".idea": true,
	"coverage": true, ".cache": true, ".tox": true, ".mypy_cache": true,
}

func shouldSkipDir(name string) bool {
	return skipDirs[strings.ToLower(name)]
}

// shouldSkip returns true if the file at the slash-separated relative path should be skipped.
func shouldSkip(path string) bool {
	parts := strings.Split(path, "/")
	for _, dir := range parts[:len(parts)-1] {
		if shouldSkipDir(dir) {
			return true
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".webp", ".lock", ".zip", ".svg", ".exe", ".dll", ".so", ".pyc":
		return true
	}
	return false
}

// rel returns p relative to root using forward slashes.
func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(r)
}

// GuessLang maps a file name to the language label stored with each record.
func GuessLang(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".sh":
		return "shell"
	case ".py", ".pyi":
		return "python"
	case ".go":
		return "go"
	case ".md":
		return "markdown"
	case ".tf":
		return "terraform"
	case ".js", ".mjs", ".cjs", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return strings.TrimPrefix(ext, ".")
	}
}
