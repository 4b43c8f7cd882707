package core

import (
	"context"

	"github.com/markdave123-py/botforge/internal/models"
)

// SourceLocator tells an extractor where a source's raw content lives.
// URI is an object key for documents and a URL for websites.
type SourceLocator struct {
	SourceID    string
	SourceType  models.SourceType
	URI         string
	ContentType string
}

// ExtractedText represents the result of text extraction, potentially with metadata.
type ExtractedText struct {
	Text        string
	ContentType string
	Metadata    map[string]string
}

// Extractor produces plain text for a source. Failures should be reported as
// ErrExtraction kinds.
type Extractor interface {
	ExtractText(ctx context.Context, loc SourceLocator) (*ExtractedText, error)
}
