package chunker

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?]+`)
)

const (
	defaultParagraphLength = 300
	defaultSentenceLength  = 100
)

// ContentStats are the corpus statistics adaptive sizing is derived from.
type ContentStats struct {
	Length             int
	Paragraphs         int
	Sentences          int
	AvgParagraphLength int
	AvgSentenceLength  int
}

// AnalyzeContent measures paragraph and sentence lengths of text.
func AnalyzeContent(text string) ContentStats {
	st := ContentStats{Length: utf8.RuneCountInString(text)}

	st.AvgParagraphLength, st.Paragraphs = meanLength(paragraphBreak.Split(text, -1))
	if st.Paragraphs == 0 {
		st.AvgParagraphLength = defaultParagraphLength
	}
	st.AvgSentenceLength, st.Sentences = meanLength(sentenceEnd.Split(text, -1))
	if st.Sentences == 0 {
		st.AvgSentenceLength = defaultSentenceLength
	}
	return st
}

func meanLength(parts []string) (avg, n int) {
	total := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		total += utf8.RuneCountInString(p)
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return total / n, n
}

// AnalyzeOptimalChunkSize derives a configuration from the text itself
// rather than from the strategy table. Target size scales with paragraph
// length inside a band chosen by document length; overlap is 15%, 20% or
// 25% of the target for short, medium and long documents.
func AnalyzeOptimalChunkSize(text string) Config {
	st := AnalyzeContent(text)

	var size int
	var ratio float64
	switch {
	case st.Length < 5000:
		size = clamp(st.AvgParagraphLength*2, 400, 800)
		ratio = 0.15
	case st.Length < 20000:
		size = clamp(st.AvgParagraphLength*3, 600, 1200)
		ratio = 0.20
	default:
		size = clamp(st.AvgParagraphLength*4, 800, 1500)
		ratio = 0.25
	}

	return Config{
		Name:        StrategyAdaptive,
		TargetSize:  size,
		OverlapSize: int(math.Floor(float64(size) * ratio)),
		Separators:  []string{"\n\n", "\n", ". ", " ", ""},
	}
}

func clamp(v, lo, hi int) int {
	return min(hi, max(lo, v))
}
