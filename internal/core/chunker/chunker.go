// Package chunker splits extracted text into overlapping chunks sized for
// embedding, choosing separators and sizes from the shape of the content.
package chunker

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/models"
)

// Meta describes the source a text came from. Extra is copied onto every
// chunk unchanged.
type Meta struct {
	SourceID    string
	SourceType  models.SourceType
	ContentType string
	Extra       map[string]string
}

// Options choose how ChunkDocument picks its configuration. Strategy forces a
// named strategy; Adaptive derives one from the text. Otherwise the strategy
// is selected from the content.
type Options struct {
	Strategy string
	Adaptive bool
}

// Result is the output of ChunkDocument.
type Result struct {
	Chunks  []models.Chunk
	Config  Config
	Quality QualityReport
}

// QualitySink receives quality warnings, typically a metrics collector.
type QualitySink interface {
	ChunkQualityWarning(strategy string, kind WarningKind)
	ChunksProduced(strategy string, n int)
}

// Chunker is safe for concurrent use; it holds no per-call state.
type Chunker struct {
	logger *slog.Logger
	now    func() time.Time
	sink   QualitySink
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithClock sets the clock used for chunk creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Chunker) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chunker) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithQualitySink reports chunk counts and quality warnings to sink.
func WithQualitySink(sink QualitySink) Option {
	return func(c *Chunker) {
		c.sink = sink
	}
}

// New creates a Chunker.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		logger: logger.WithComponent("chunker"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChunkDocument picks a configuration for text and chunks it.
func (c *Chunker) ChunkDocument(text string, meta Meta, opts Options) (Result, error) {
	var cfg Config
	switch {
	case opts.Strategy != "":
		cfg = ConfigFor(opts.Strategy)
	case opts.Adaptive:
		cfg = AnalyzeOptimalChunkSize(text)
	default:
		cfg = ConfigFor(SelectStrategy(text, meta.ContentType))
	}

	chunks, report, err := c.chunk(text, cfg, meta)
	if err != nil {
		return Result{}, err
	}
	return Result{Chunks: chunks, Config: cfg, Quality: report}, nil
}

// Chunk splits text with cfg. It fails with a content error when no chunk
// can be produced, which includes empty and whitespace-only input.
func (c *Chunker) Chunk(text string, cfg Config, meta Meta) ([]models.Chunk, error) {
	chunks, _, err := c.chunk(text, cfg, meta)
	return chunks, err
}

// Rechunk rebuilds a source's text from its existing chunks and chunks it
// again under strategy. The text is the chunks joined by a single space in
// index order, so original separators are not recovered.
func (c *Chunker) Rechunk(existing []models.Chunk, strategy string) ([]models.Chunk, error) {
	if len(existing) == 0 {
		return nil, core.E(core.ErrContent, "chunker.Rechunk", "no chunks to rebuild from", nil)
	}
	sorted := append([]models.Chunk(nil), existing...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	parts := make([]string, len(sorted))
	for i, ch := range sorted {
		parts[i] = ch.Content
	}
	meta := Meta{
		SourceID:   sorted[0].SourceID,
		SourceType: sorted[0].SourceType,
		Extra:      sorted[0].Metadata,
	}
	return c.Chunk(strings.Join(parts, " "), ConfigFor(strategy), meta)
}

func (c *Chunker) chunk(text string, cfg Config, meta Meta) ([]models.Chunk, QualityReport, error) {
	const op = "chunker.Chunk"
	if strings.TrimSpace(text) == "" {
		return nil, QualityReport{}, core.E(core.ErrContent, op, "input text is empty", nil)
	}
	cfg = normalize(cfg)

	segments := splitText(text, cfg.Separators, cfg.TargetSize, cfg.RetainSeparator)
	if len(segments) == 0 {
		return nil, QualityReport{}, core.E(core.ErrContent, op, "splitting produced no chunks", nil)
	}
	spans := withOverlap(text, locate(text, segments), cfg.OverlapSize)

	createdAt := c.now().UTC()
	chunks := make([]models.Chunk, len(spans))
	for i, sp := range spans {
		chunks[i] = models.Chunk{
			ID:            chunkID(meta.SourceID, cfg.Name, i),
			Content:       sp.content,
			SourceID:      meta.SourceID,
			SourceType:    meta.SourceType,
			ChunkIndex:    i,
			TotalChunks:   len(spans),
			StartChar:     sp.start,
			EndChar:       sp.end,
			PositionExact: sp.exact,
			StrategyName:  cfg.Name,
			CreatedAt:     createdAt,
			Metadata:      copyMeta(meta.Extra),
		}
	}

	report := Validate(chunks, text)
	c.report(cfg.Name, meta, report, len(chunks))
	return chunks, report, nil
}

func (c *Chunker) report(strategy string, meta Meta, r QualityReport, n int) {
	if c.sink != nil {
		c.sink.ChunksProduced(strategy, n)
	}
	for _, w := range r.Warnings {
		c.logger.Warn("chunk quality warning",
			"strategy", strategy,
			"source_id", meta.SourceID,
			"warning", w.Kind,
			"detail", w.Detail,
		)
		if c.sink != nil {
			c.sink.ChunkQualityWarning(strategy, w.Kind)
		}
	}
	c.logger.Debug("chunked text", "strategy", strategy, "source_id", meta.SourceID, "chunks", n, "coverage", r.Coverage)
}

// normalize fills in a usable configuration from a partial one.
func normalize(cfg Config) Config {
	def := strategies[StrategyDefault]
	if cfg.Name == "" {
		cfg.Name = StrategyDefault
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = def.TargetSize
	}
	if cfg.OverlapSize < 0 || cfg.OverlapSize >= cfg.TargetSize {
		cfg.OverlapSize = 0
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = def.Separators
	}
	if cfg.Separators[len(cfg.Separators)-1] != "" {
		cfg.Separators = append(append([]string(nil), cfg.Separators...), "")
	}
	return cfg
}

func chunkID(sourceID, strategy string, index int) string {
	if sourceID == "" {
		sourceID = "source"
	}
	return fmt.Sprintf("%s_%s_chunk_%d", sourceID, strategy, index)
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// span is a segment with its character offsets in the source text. bstart and
// bend are byte offsets, valid only when exact is set.
type span struct {
	content      string
	start, end   int
	bstart, bend int
	exact        bool
}

// locate finds each segment in text, searching forward from the end of the
// previous one. Segments that cannot be found keep the running offset and
// are flagged inexact.
func locate(text string, segments []string) []span {
	spans := make([]span, len(segments))
	byteCursor, charCursor := 0, 0
	for i, seg := range segments {
		n := runeLen(seg)
		idx := strings.Index(text[byteCursor:], seg)
		if idx < 0 {
			spans[i] = span{content: seg, start: charCursor, end: charCursor + n}
			continue
		}
		bstart := byteCursor + idx
		start := charCursor + runeLen(text[byteCursor:bstart])
		spans[i] = span{
			content: seg,
			start:   start,
			end:     start + n,
			bstart:  bstart,
			bend:    bstart + len(seg),
			exact:   true,
		}
		byteCursor, charCursor = bstart+len(seg), start+n
	}
	return spans
}

// withOverlap prefixes each segment with up to overlap characters taken from
// the end of the segment before it. When both segments were located, the
// prefix and the text between them are taken from the source so the chunk
// stays a substring of it.
func withOverlap(text string, spans []span, overlap int) []span {
	if overlap <= 0 || len(spans) < 2 {
		return spans
	}
	out := make([]span, len(spans))
	out[0] = spans[0]
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		out[i] = cur

		if prev.exact && cur.exact && prev.bend <= cur.bstart {
			gap := text[prev.bend:cur.bstart]
			tail := overlapTail(prev.content, overlap-runeLen(gap))
			if tail == "" {
				continue
			}
			out[i].content = tail + gap + cur.content
			out[i].start = prev.end - runeLen(tail)
			out[i].end = cur.end
			continue
		}

		tail := overlapTail(prev.content, overlap-1)
		if tail == "" {
			continue
		}
		out[i].content = tail + " " + cur.content
		out[i].start = max(0, cur.start-runeLen(tail)-1)
		out[i].end = out[i].start + runeLen(out[i].content)
		out[i].exact = false
	}
	return out
}

// overlapTail returns at most budget trailing characters of s, starting at a
// word boundary when the cut would otherwise split a word.
func overlapTail(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	cut := len(runes) - budget
	tail := runes[cut:]
	if !unicode.IsSpace(runes[cut-1]) {
		for j, r := range tail {
			if unicode.IsSpace(r) {
				if j+1 < len(tail) {
					tail = tail[j+1:]
				}
				break
			}
		}
	}
	return strings.TrimLeftFunc(string(tail), unicode.IsSpace)
}
