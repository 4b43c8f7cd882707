package chunker

import (
	"strings"
	"unicode/utf8"
)

// splitText cuts text into segments of at most size characters.
//
// The first separator present in text is used. Segments that are still too
// long are split again with the remaining separators, and neighbouring short
// segments are merged back up to size. When separators are dropped, merged
// segments are rejoined with the separator they were split on, so every
// returned segment is a substring of text.
func splitText(text string, separators []string, size int, retain bool) []string {
	sep, rest := pickSeparator(text, separators)
	pieces := splitOn(text, sep, retain)

	joiner := sep
	if retain {
		joiner = ""
	}

	var out, pending []string
	flush := func() {
		if len(pending) > 0 {
			out = append(out, mergePieces(pending, joiner, size)...)
			pending = nil
		}
	}
	for _, p := range pieces {
		if runeLen(p) <= size {
			pending = append(pending, p)
			continue
		}
		flush()
		if len(rest) == 0 {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
			continue
		}
		out = append(out, splitText(p, rest, size, retain)...)
	}
	flush()
	return out
}

// pickSeparator returns the first separator found in text and the separators
// after it. The empty separator always matches.
func pickSeparator(text string, separators []string) (string, []string) {
	for i, s := range separators {
		if s == "" {
			return "", nil
		}
		if strings.Contains(text, s) {
			return s, separators[i+1:]
		}
	}
	return "", nil
}

// splitOn splits text on sep. With retain, the separator stays at the front
// of the piece it introduces. The empty separator splits into characters.
func splitOn(text, sep string, retain bool) []string {
	if sep == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}

	parts := strings.Split(text, sep)
	if !retain {
		return parts
	}
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = sep + p
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// mergePieces greedily packs consecutive pieces into segments of at most
// size characters. Whitespace-only segments are dropped.
func mergePieces(pieces []string, joiner string, size int) []string {
	var (
		out   []string
		cur   []string
		total int
	)
	jl := runeLen(joiner)

	emit := func() {
		if s := strings.TrimSpace(strings.Join(cur, joiner)); s != "" {
			out = append(out, s)
		}
		cur = nil
		total = 0
	}

	for _, p := range pieces {
		add := runeLen(p)
		if len(cur) > 0 {
			add += jl
		}
		if len(cur) > 0 && total+add > size {
			emit()
			add = runeLen(p)
		}
		cur = append(cur, p)
		total += add
	}
	emit()
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
