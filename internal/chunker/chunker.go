// Package chunker splits long conversation turns into sentence-bounded
// segments so each can be scored on its own.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultTargetSize = 200
	DefaultMaxSize    = 300
)

// Options configures splitting. Sizes count runes.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns default splitting options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Segment is a piece of the trimmed input. Start and End are rune offsets.
type Segment struct {
	Text  string
	Start int
	End   int
}

// Split breaks text into segments. Text of at most MaxSize runes is one
// segment.
func Split(text string, opts Options) []Segment {
	if opts.TargetSize <= 0 {
		opts = DefaultOptions()
	}
	if opts.MaxSize < opts.TargetSize {
		opts.MaxSize = opts.TargetSize
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= opts.MaxSize {
		return []Segment{{Text: string(runes), Start: 0, End: len(runes)}}
	}

	return merge(runes, sentences(runes), opts)
}

type span struct{ start, end int }

func (s span) len() int { return s.end - s.start }

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '\n':
		return true
	case '。', '！', '？', '；', '…':
		return true
	}
	return false
}

// sentences returns sentence spans, whitespace excluded.
func sentences(runes []rune) []span {
	var out []span
	start := 0
	add := func(end int) {
		for start < end && unicode.IsSpace(runes[start]) {
			start++
		}
		e := end
		for e > start && unicode.IsSpace(runes[e-1]) {
			e--
		}
		if e > start {
			out = append(out, span{start, e})
		}
		start = end
	}

	for i, r := range runes {
		if !isTerminator(r) {
			continue
		}
		// ASCII terminators only end a sentence before whitespace, so
		// "3.5" and "e.g" stay whole.
		if r < unicode.MaxASCII && r != '\n' && i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		add(i + 1)
	}
	add(len(runes))
	return out
}

// merge packs consecutive sentences up to TargetSize and hard-splits any
// sentence longer than MaxSize.
func merge(runes []rune, sents []span, opts Options) []Segment {
	var out []Segment
	cur := span{-1, -1}

	flush := func() {
		if cur.start < 0 {
			return
		}
		out = append(out, segment(runes, cur))
		cur = span{-1, -1}
	}

	for _, s := range sents {
		if s.len() > opts.MaxSize {
			flush()
			for _, piece := range hardSplit(runes, s, opts.TargetSize) {
				out = append(out, segment(runes, piece))
			}
			continue
		}
		if cur.start < 0 {
			cur = s
			continue
		}
		if s.end-cur.start <= opts.TargetSize {
			cur.end = s.end
		} else {
			flush()
			cur = s
		}
	}
	flush()
	return out
}

// hardSplit cuts s into pieces of at most size runes, preferring to break
// after a space.
func hardSplit(runes []rune, s span, size int) []span {
	var out []span
	start := s.start
	for s.end-start > size {
		cut := start + size
		for i := cut; i > start+size/2; i-- {
			if unicode.IsSpace(runes[i-1]) {
				cut = i
				break
			}
		}
		out = append(out, span{start, cut})
		start = cut
	}
	if start < s.end {
		out = append(out, span{start, s.end})
	}
	return out
}

func segment(runes []rune, s span) Segment {
	return Segment{Text: strings.TrimSpace(string(runes[s.start:s.end])), Start: s.start, End: s.end}
}
