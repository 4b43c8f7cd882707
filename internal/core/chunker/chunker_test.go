package chunker

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/models"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestChunker(opts ...Option) *Chunker {
	return New(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

var proseSentences = []string{
	"The old keeper climbed the tower stairs every evening before the light faded",
	"He carried a small brass lamp and a notebook full of careful weather notes",
	"Storms rolled in from the west and rattled the windows of the narrow room",
	"Ships passed far out on the water and sometimes answered with their horns",
	"His daughter wrote letters from the city about crowded markets and trains",
	"In winter the ice crept over the rocks and the gulls gathered near the door",
}

// narrative returns plain prose of at least n characters.
func narrative(n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		b.WriteString(proseSentences[i%len(proseSentences)])
		b.WriteString(". ")
	}
	return strings.TrimSpace(b.String())
}

func faqText() string {
	topics := []string{"password", "invoice", "profile photo", "language", "notification sound"}
	var b strings.Builder
	for i, topic := range topics {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Q: How do I change my %s?\n", topic)
		fmt.Fprintf(&b, "A: Open the settings page and find the %s section. "+
			"Pick the new value from the list, then press save. The change applies to every device "+
			"you are signed in on within a few minutes, and you will get a short confirmation email.", topic)
	}
	return b.String()
}

// sharedOverlap returns the length of the longest prefix of next, up to
// limit bytes, that is also a suffix of prev.
func sharedOverlap(prev, next string, limit int) int {
	for k := min(limit, len(prev), len(next)); k > 0; k-- {
		if strings.HasSuffix(prev, next[:k]) {
			return k
		}
	}
	return 0
}

func TestChunkDocumentConversationalProse(t *testing.T) {
	text := narrative(3200)
	require.GreaterOrEqual(t, len(text), 3200)

	res, err := newTestChunker().ChunkDocument(text, Meta{SourceID: "doc-1", SourceType: models.SourceDocument}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StrategyConversational, res.Config.Name)
	assert.Equal(t, 800, res.Config.TargetSize)
	assert.Equal(t, 150, res.Config.OverlapSize)

	chunks := res.Chunks
	assert.GreaterOrEqual(t, len(chunks), 4)
	assert.LessOrEqual(t, len(chunks), 6)
	for _, ch := range chunks {
		assert.Equal(t, len(chunks), ch.TotalChunks)
		assert.LessOrEqual(t, len(ch.Content), 800+150)
		assert.Equal(t, StrategyConversational, ch.StrategyName)
	}
	assert.False(t, res.Quality.Has(WarnLowCoverage))
}

func TestChunkFAQRetainsMarkers(t *testing.T) {
	text := faqText()
	require.Equal(t, StrategyFAQ, SelectStrategy(text, ""))

	res, err := newTestChunker().ChunkDocument(text, Meta{SourceID: "faq"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StrategyFAQ, res.Config.Name)
	require.GreaterOrEqual(t, len(res.Chunks), 2)

	assert.True(t, strings.HasPrefix(res.Chunks[0].Content, "Q:"))
	for _, ch := range res.Chunks {
		assert.Contains(t, ch.Content, "Q:")
		assert.LessOrEqual(t, len(ch.Content), 600+100)
	}
}

func TestChunkIndexesAreContiguous(t *testing.T) {
	inputs := map[string]string{
		"prose":       narrative(5000),
		"faq":         faqText(),
		"no breaks":   strings.Repeat("x", 2500),
		"single word": "hello",
		"markdown":    "# Guide\n\n## Setup\n" + narrative(2000) + "\n\n## Usage\n" + narrative(2500),
	}
	for name, text := range inputs {
		for _, strategy := range Strategies() {
			t.Run(name+"/"+strategy, func(t *testing.T) {
				chunks, err := newTestChunker().Chunk(text, ConfigFor(strategy), Meta{SourceID: "s"})
				require.NoError(t, err)
				require.NotEmpty(t, chunks)

				seen := make(map[string]bool)
				for i, ch := range chunks {
					assert.Equal(t, i, ch.ChunkIndex)
					assert.Equal(t, len(chunks), ch.TotalChunks)
					assert.NotEmpty(t, strings.TrimSpace(ch.Content))
					assert.False(t, seen[ch.ID], "duplicate id %s", ch.ID)
					seen[ch.ID] = true
				}
			})
		}
	}
}

func TestChunkOverlap(t *testing.T) {
	cases := map[string]struct {
		text     string
		strategy string
	}{
		"prose":     {narrative(4000), StrategyConversational},
		"faq":       {faqText(), StrategyFAQ},
		"no breaks": {strings.Repeat("x", 2500), StrategyDefault},
		"web":       {narrative(6000), StrategyWeb},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := ConfigFor(tc.strategy)
			chunks, err := newTestChunker().Chunk(tc.text, cfg, Meta{SourceID: "s"})
			require.NoError(t, err)
			require.Greater(t, len(chunks), 1)

			for i := 1; i < len(chunks); i++ {
				n := sharedOverlap(chunks[i-1].Content, chunks[i].Content, cfg.OverlapSize)
				assert.Greater(t, n, 0, "chunks %d and %d share no context", i-1, i)
			}
		})
	}
}

func TestChunkIsDeterministic(t *testing.T) {
	text := narrative(4000) + "\n\n" + faqText()
	c := newTestChunker()
	meta := Meta{SourceID: "d", SourceType: models.SourceWebsite, Extra: map[string]string{"lang": "en"}}

	first, err := c.Chunk(text, ConfigFor(StrategyWeb), meta)
	require.NoError(t, err)
	second, err := c.Chunk(text, ConfigFor(StrategyWeb), meta)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestChunkEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n\t \n"} {
		_, err := newTestChunker().Chunk(text, ConfigFor(StrategyDefault), Meta{SourceID: "e"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrContent), "got %v", err)
	}
}

func TestChunkPositions(t *testing.T) {
	text := narrative(3000)
	chunks, err := newTestChunker().Chunk(text, ConfigFor(StrategyConversational), Meta{SourceID: "p"})
	require.NoError(t, err)

	prevStart := -1
	for _, ch := range chunks {
		require.True(t, ch.PositionExact)
		assert.Equal(t, ch.Content, text[ch.StartChar:ch.EndChar])
		assert.Greater(t, ch.StartChar, prevStart)
		prevStart = ch.StartChar
	}
	assert.Equal(t, 0, chunks[0].StartChar)
}

func TestChunkSingleChunk(t *testing.T) {
	chunks, err := newTestChunker().Chunk("  alpha beta  ", ConfigFor(StrategyDefault), Meta{SourceID: "one", SourceType: models.SourceDocument})
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	ch := chunks[0]
	assert.Equal(t, "alpha beta", ch.Content)
	assert.Equal(t, "one_default_chunk_0", ch.ID)
	assert.Equal(t, 2, ch.StartChar)
	assert.Equal(t, 12, ch.EndChar)
	assert.Equal(t, models.SourceDocument, ch.SourceType)
	assert.Equal(t, fixedNow, ch.CreatedAt)
}

func TestChunkMetadataIsCopied(t *testing.T) {
	extra := map[string]string{"title": "Handbook", "page": "4"}
	chunks, err := newTestChunker().Chunk(narrative(2000), ConfigFor(StrategyConversational), Meta{SourceID: "m", Extra: extra})
	require.NoError(t, err)

	extra["title"] = "changed"
	for _, ch := range chunks {
		assert.Equal(t, "Handbook", ch.Metadata["title"])
		assert.Equal(t, "4", ch.Metadata["page"])
	}
}

func TestChunkCodeKeepsFences(t *testing.T) {
	var b strings.Builder
	b.WriteString("Example usage below.\n")
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "\n```go\nfunc step%d() {\n\t%s\n}\n```\n", i, strings.Repeat("doWork()\n\t", 20))
	}
	text := b.String()

	res, err := newTestChunker().ChunkDocument(text, Meta{SourceID: "code"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StrategyCode, res.Config.Name)
	require.Greater(t, len(res.Chunks), 1)
	for _, ch := range res.Chunks[1:] {
		assert.Contains(t, ch.Content, "```")
	}
}

func TestChunkDocumentOptions(t *testing.T) {
	text := narrative(2500)

	forced, err := newTestChunker().ChunkDocument(text, Meta{SourceID: "o"}, Options{Strategy: StrategyWeb})
	require.NoError(t, err)
	assert.Equal(t, StrategyWeb, forced.Config.Name)

	adaptive, err := newTestChunker().ChunkDocument(text, Meta{SourceID: "o"}, Options{Adaptive: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyAdaptive, adaptive.Config.Name)
	for _, ch := range adaptive.Chunks {
		assert.Equal(t, StrategyAdaptive, ch.StrategyName)
	}

	hinted, err := newTestChunker().ChunkDocument(text, Meta{SourceID: "o", ContentType: "text/html"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StrategyWeb, hinted.Config.Name)
}

func TestRechunk(t *testing.T) {
	c := newTestChunker()
	original, err := c.Chunk(narrative(3000), ConfigFor(StrategyConversational), Meta{
		SourceID:   "r",
		SourceType: models.SourceDocument,
		Extra:      map[string]string{"origin": "upload"},
	})
	require.NoError(t, err)

	shuffled := append([]models.Chunk(nil), original...)
	for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	rechunked, err := c.Rechunk(shuffled, StrategyTechnical)
	require.NoError(t, err)
	require.NotEmpty(t, rechunked)

	oldIDs := make(map[string]bool)
	for _, ch := range original {
		oldIDs[ch.ID] = true
	}
	for i, ch := range rechunked {
		assert.Equal(t, StrategyTechnical, ch.StrategyName)
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Equal(t, "r", ch.SourceID)
		assert.Equal(t, models.SourceDocument, ch.SourceType)
		assert.Equal(t, "upload", ch.Metadata["origin"])
		assert.False(t, oldIDs[ch.ID])
		assert.True(t, strings.HasPrefix(ch.ID, "r_technical_chunk_"))
	}
	assert.True(t, strings.HasPrefix(rechunked[0].Content, original[0].Content[:40]))

	t.Run("unknown strategy uses default", func(t *testing.T) {
		out, err := c.Rechunk(original, "nonsense")
		require.NoError(t, err)
		assert.Equal(t, StrategyDefault, out[0].StrategyName)
	})

	t.Run("no chunks", func(t *testing.T) {
		_, err := c.Rechunk(nil, StrategyDefault)
		assert.True(t, errors.Is(err, core.ErrContent))
	})
}

type recordingSink struct {
	produced map[string]int
	warnings []WarningKind
}

func (s *recordingSink) ChunksProduced(strategy string, n int) {
	if s.produced == nil {
		s.produced = make(map[string]int)
	}
	s.produced[strategy] += n
}

func (s *recordingSink) ChunkQualityWarning(_ string, kind WarningKind) {
	s.warnings = append(s.warnings, kind)
}

func TestChunkReportsLowCoverage(t *testing.T) {
	sink := &recordingSink{}
	text := strings.Repeat(" ", 300) + "Short sentence here." + strings.Repeat(" ", 300)

	res, err := newTestChunker(WithQualitySink(sink)).ChunkDocument(text, Meta{SourceID: "w"}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)

	assert.True(t, res.Quality.Has(WarnLowCoverage))
	assert.True(t, res.Quality.Has(WarnSmallChunks))
	assert.Less(t, res.Quality.Coverage, 0.8)
	assert.Contains(t, sink.warnings, WarnLowCoverage)
	assert.Equal(t, 1, sink.produced[StrategyConversational])
}

func TestValidate(t *testing.T) {
	long := strings.Repeat("a", 100)
	mk := func(contents ...string) []models.Chunk {
		out := make([]models.Chunk, len(contents))
		for i, c := range contents {
			out[i] = models.Chunk{Content: c, ChunkIndex: i}
		}
		return out
	}

	t.Run("healthy", func(t *testing.T) {
		r := Validate(mk(long, long, long, long, long), strings.Repeat("a", 500))
		assert.Empty(t, r.Warnings)
		assert.InDelta(t, 1.0, r.Coverage, 0.001)
	})

	t.Run("empty chunk", func(t *testing.T) {
		r := Validate(mk(long, "   ", long, long, long, long), strings.Repeat("a", 500))
		assert.True(t, r.Has(WarnEmptyChunk))
		assert.Equal(t, 1, r.EmptyChunks)
	})

	t.Run("one small chunk in five is tolerated", func(t *testing.T) {
		r := Validate(mk(long, long, long, long, "tiny"), strings.Repeat("a", 404))
		assert.False(t, r.Has(WarnSmallChunks))
	})

	t.Run("too many small chunks", func(t *testing.T) {
		r := Validate(mk(long, long, long, "tiny", "tiny"), strings.Repeat("a", 308))
		assert.True(t, r.Has(WarnSmallChunks))
		assert.Equal(t, 2, r.SmallChunks)
	})

	t.Run("content loss", func(t *testing.T) {
		r := Validate(mk(long), strings.Repeat("a", 200))
		assert.True(t, r.Has(WarnLowCoverage))
	})
}

func TestSplitTextKeepsSubstrings(t *testing.T) {
	text := narrative(3000)
	for _, seg := range splitText(text, ConfigFor(StrategyConversational).Separators, 800, false) {
		assert.Contains(t, text, seg)
		assert.LessOrEqual(t, len(seg), 800)
	}
}

func TestOverlapTail(t *testing.T) {
	assert.Equal(t, "", overlapTail("anything", 0))
	assert.Equal(t, "short", overlapTail("short", 10))
	assert.Equal(t, "delta", overlapTail("alpha beta gamma delta", 8))
	assert.Equal(t, "gamma delta", overlapTail("alpha beta gamma delta", 12))
}
