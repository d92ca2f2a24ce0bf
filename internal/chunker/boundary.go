package chunker

import (
	"sort"
	"unicode/utf8"

	"github.com/seanblong/repocontext/pkg/models"
)

// Boundary scores. Node edges that sit on a line boundary score syntaxScore minus the
// node depth; edges in the middle of a line only beat plain whitespace.
const (
	scoreAny          = 0
	scoreWhitespace   = 1
	scoreInlineSyntax = 2
	scoreLine         = 3
	scoreBlankLine    = 4
	syntaxScore       = 100
	maxSyntaxDepth    = 16
)

// doc indexes a text by character. offs[i] is the byte offset of character i and
// offs[n] == len(text); score[i] rates a cut just before character i.
type doc struct {
	text  string
	offs  []int
	score []int
}

func newDoc(text string) *doc {
	n := utf8.RuneCountInString(text)
	d := &doc{
		text:  text,
		offs:  make([]int, 0, n+1),
		score: make([]int, n+1),
	}
	var prev, prev2 rune
	i := 0
	for off, r := range text {
		d.offs = append(d.offs, off)
		switch {
		case i == 0:
		case prev == '\n' && prev2 == '\n':
			d.score[i] = scoreBlankLine
		case prev == '\n':
			d.score[i] = scoreLine
		case prev == ' ' || prev == '\t' || prev == '\r':
			d.score[i] = scoreWhitespace
		default:
			d.score[i] = scoreAny
		}
		prev2, prev = prev, r
		i++
	}
	d.offs = append(d.offs, len(text))
	return d
}

func (d *doc) runes() int { return len(d.offs) - 1 }

// charAt converts a byte offset to a character index, rounding down inside a character.
func (d *doc) charAt(byteOff int) int {
	i := sort.SearchInts(d.offs, byteOff)
	if i < len(d.offs) && d.offs[i] == byteOff {
		return i
	}
	return i - 1
}

// markSyntax records a syntax node edge at byteOff for a node at depth (1 = top level).
// Node starts are moved back over their indentation and node ends forward over trailing
// blanks and the line break, so cuts land on line starts when the layout allows it.
func (d *doc) markSyntax(byteOff, depth int, start bool) {
	if depth > maxSyntaxDepth {
		return
	}
	var cut int
	var aligned bool
	if start {
		cut = lineStartBefore(d.text, byteOff)
		aligned = cut == 0 || d.text[cut-1] == '\n'
	} else {
		cut = lineEndAfter(d.text, byteOff)
		aligned = cut != byteOff || cut == len(d.text) || (cut > 0 && d.text[cut-1] == '\n')
	}
	i := d.charAt(cut)
	if i <= 0 || i >= d.runes() {
		return
	}
	s := scoreInlineSyntax
	if aligned {
		s = syntaxScore - depth
	}
	if s > d.score[i] {
		d.score[i] = s
	}
}

func lineStartBefore(text string, off int) int {
	i := off
	for i > 0 && (text[i-1] == ' ' || text[i-1] == '\t') {
		i--
	}
	if i == 0 || text[i-1] == '\n' {
		return i
	}
	return off
}

func lineEndAfter(text string, off int) int {
	i := off
	for i < len(text) && (text[i] == ' ' || text[i] == '\t' || text[i] == '\r') {
		i++
	}
	if i < len(text) && text[i] == '\n' {
		return i + 1
	}
	return off
}

// pack cuts the document greedily. The final chunk absorbs whatever remains once it fits
// under env.Max.
func (d *doc) pack(path string, env Envelope) []models.Chunk {
	n := d.runes()
	if n == 0 {
		return nil
	}
	var chunks []models.Chunk
	s := 0
	for s < n {
		e := n
		if n-s > env.Max {
			e = d.bestCut(s+env.Min, s+env.Max)
		}
		start, end := d.offs[s], d.offs[e]
		chunks = append(chunks, models.Chunk{
			Path:  path,
			Index: len(chunks),
			Text:  d.text[start:end],
			Span:  models.Span{Start: start, End: end},
		})
		s = e
	}
	return chunks
}

// bestCut returns the highest-scoring cut in [lo, hi], preferring the farthest on ties.
func (d *doc) bestCut(lo, hi int) int {
	best := hi
	for i := hi; i >= lo; i-- {
		if d.score[i] > d.score[best] {
			best = i
		}
	}
	return best
}
