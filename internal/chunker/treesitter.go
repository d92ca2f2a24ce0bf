package chunker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/seanblong/repocontext/pkg/models"
)

// maxErrorCoverage is the share of the file that ERROR nodes may cover before the
// parse is considered failed. Tree-sitter recovers from local mistakes, so a few
// error nodes are normal.
const maxErrorCoverage = 0.5

// TreeSitter splits files along syntax node edges.
type TreeSitter struct {
	Envelope Envelope
	Policy   FallbackPolicy

	lines     *Lines
	languages map[string]*sitter.Language
}

// NewTreeSitter creates a splitter for python, go, javascript and typescript. Files in
// other languages are split on lines.
func NewTreeSitter(env Envelope, policy FallbackPolicy) (*TreeSitter, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = FallbackLines
	}
	return &TreeSitter{
		Envelope: env,
		Policy:   policy,
		lines:    &Lines{Envelope: env},
		languages: map[string]*sitter.Language{
			"python":     python.GetLanguage(),
			"go":         golang.GetLanguage(),
			"javascript": javascript.GetLanguage(),
			"typescript": typescript.GetLanguage(),
		},
	}, nil
}

// Supports reports whether files of language get syntax-aware boundaries.
func (t *TreeSitter) Supports(language string) bool {
	_, ok := t.languages[language]
	return ok
}

// Split cuts supported languages along the syntax tree. Other languages, and files whose
// parse fails under FallbackLines, go to the line splitter.
func (t *TreeSitter) Split(file models.SourceFile) ([]models.Chunk, error) {
	if !t.Supports(file.Language) {
		return t.lines.Split(file)
	}
	d := newDoc(file.Content)
	if d.runes() == 0 {
		return nil, nil
	}
	if err := t.markTree(d, t.languages[file.Language]); err != nil {
		if t.Policy == FallbackFail {
			return nil, &SplitError{Path: file.Path, Language: file.Language, Err: err}
		}
		log.Warn().Err(err).Str("path", file.Path).Msg("syntax split failed, splitting on lines")
		return t.lines.Split(file)
	}
	return d.pack(file.Path, t.Envelope), nil
}

// markTree parses the document and records node edges as boundary candidates. It leaves
// the document untouched when the parse fails.
func (t *TreeSitter) markTree(d *doc, lang *sitter.Language) error {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	content := []byte(d.text)
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return ErrUnparsable
	}
	if isError(root) {
		return ErrUnparsable
	}
	if root.HasError() {
		if cov := errorCoverage(root, len(content)); cov > maxErrorCoverage {
			return fmt.Errorf("%w: %.0f%% of the file is syntax errors", ErrUnparsable, cov*100)
		}
	}

	walkNodes(root, 0, func(n *sitter.Node, depth int) {
		d.markSyntax(int(n.StartByte()), depth, true)
		d.markSyntax(int(n.EndByte()), depth, false)
	})
	return nil
}

// walkNodes visits named descendants of n, depth-first, passing depth 1 for n's children.
func walkNodes(n *sitter.Node, depth int, fn func(*sitter.Node, int)) {
	if depth >= maxSyntaxDepth {
		return
	}
	count := int(n.ChildCount())
	for i := 0; i < count; i++ {
		child := n.Child(i)
		if child == nil || !child.IsNamed() {
			continue
		}
		fn(child, depth+1)
		walkNodes(child, depth+1, fn)
	}
}

// errorCoverage returns the share of bytes inside outermost ERROR nodes.
func errorCoverage(n *sitter.Node, size int) float64 {
	if size == 0 {
		return 0
	}
	var covered func(*sitter.Node) int
	covered = func(n *sitter.Node) int {
		if isError(n) {
			return int(n.EndByte() - n.StartByte())
		}
		if !n.HasError() {
			return 0
		}
		total := 0
		count := int(n.ChildCount())
		for i := 0; i < count; i++ {
			if c := n.Child(i); c != nil {
				total += covered(c)
			}
		}
		return total
	}
	return float64(covered(n)) / float64(size)
}

func isError(n *sitter.Node) bool { return n.Type() == "ERROR" }
