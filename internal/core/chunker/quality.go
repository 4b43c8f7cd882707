package chunker

import (
	"fmt"
	"strings"

	"github.com/markdave123-py/botforge/internal/models"
)

// WarningKind classifies a chunk quality warning.
type WarningKind string

const (
	WarnEmptyChunk  WarningKind = "empty_chunk"
	WarnSmallChunks WarningKind = "small_chunks"
	WarnLowCoverage WarningKind = "low_coverage"
)

// Quality thresholds.
const (
	smallChunkChars    = 50
	maxSmallChunkRatio = 0.2
	minCoverageRatio   = 0.8
)

// QualityWarning never fails a chunking call; it is logged and counted.
type QualityWarning struct {
	Kind   WarningKind
	Detail string
}

// QualityReport summarises a chunk sequence against the text it came from.
// Coverage is total chunk characters over original characters.
type QualityReport struct {
	Chunks      int
	EmptyChunks int
	SmallChunks int
	Coverage    float64
	Warnings    []QualityWarning
}

// Has reports whether the report carries a warning of kind.
func (r QualityReport) Has(kind WarningKind) bool {
	for _, w := range r.Warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}

// Validate checks chunks for empty content, too many small chunks and
// content lost relative to original.
func Validate(chunks []models.Chunk, original string) QualityReport {
	r := QualityReport{Chunks: len(chunks)}
	total := 0
	for _, ch := range chunks {
		trimmed := strings.TrimSpace(ch.Content)
		if trimmed == "" {
			r.EmptyChunks++
		}
		if runeLen(trimmed) < smallChunkChars {
			r.SmallChunks++
		}
		total += runeLen(ch.Content)
	}

	if n := runeLen(original); n > 0 {
		r.Coverage = float64(total) / float64(n)
	}

	if r.EmptyChunks > 0 {
		r.Warnings = append(r.Warnings, QualityWarning{
			Kind:   WarnEmptyChunk,
			Detail: fmt.Sprintf("%d chunk(s) have no content after trimming", r.EmptyChunks),
		})
	}
	if r.Chunks > 0 && float64(r.SmallChunks)/float64(r.Chunks) > maxSmallChunkRatio {
		r.Warnings = append(r.Warnings, QualityWarning{
			Kind:   WarnSmallChunks,
			Detail: fmt.Sprintf("%d of %d chunks are under %d characters", r.SmallChunks, r.Chunks, smallChunkChars),
		})
	}
	if r.Coverage < minCoverageRatio {
		r.Warnings = append(r.Warnings, QualityWarning{
			Kind:   WarnLowCoverage,
			Detail: fmt.Sprintf("chunks cover %.0f%% of the original text", r.Coverage*100),
		})
	}
	return r
}

// Validate runs the package-level quality checks without logging or
// reporting to the sink.
func (c *Chunker) Validate(chunks []models.Chunk, original string) QualityReport {
	return Validate(chunks, original)
}
