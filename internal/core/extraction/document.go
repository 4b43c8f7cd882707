// Package extraction turns raw sources into plain text for chunking: uploaded
// documents through docconv and websites through a fetcher plus readability.
package extraction

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"strings"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/logger"
)

var _ core.Extractor = (*DocumentExtractor)(nil)

// DocumentExtractor reads an uploaded file from object storage and converts
// it with docconv. The locator URI is the object key inside bucket.
type DocumentExtractor struct {
	objects        core.ObjectClient
	bucket         string
	useReadability bool
	logger         *slog.Logger
}

func NewDocumentExtractor(objects core.ObjectClient, bucket string, useReadability bool) *DocumentExtractor {
	return &DocumentExtractor{
		objects:        objects,
		bucket:         bucket,
		useReadability: useReadability,
		logger:         logger.WithComponent("document-extractor"),
	}
}

func (e *DocumentExtractor) ExtractText(ctx context.Context, loc core.SourceLocator) (*core.ExtractedText, error) {
	const op = "extraction.Document"
	if loc.URI == "" {
		return nil, core.E(core.ErrExtraction, op, "document has no storage key", nil)
	}

	raw, err := e.objects.GetFile(ctx, e.bucket, loc.URI)
	if err != nil {
		return nil, core.E(core.ErrExtraction, op, "fetch "+loc.URI, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contentType := loc.ContentType
	if mt, _, perr := mime.ParseMediaType(contentType); perr == nil {
		contentType = mt
	}
	res, err := docconv.Convert(bytes.NewReader(raw), contentType, e.useReadability)
	if err != nil {
		return nil, core.E(core.ErrExtraction, op, "convert "+contentType, err)
	}
	text := strings.TrimSpace(res.Body)
	if text == "" {
		return nil, core.E(core.ErrExtraction, op, "no text extracted from "+loc.URI, nil)
	}

	e.logger.Debug("document extracted",
		"source_id", loc.SourceID,
		"content_type", contentType,
		"bytes", len(raw),
		"chars", len(text),
		"msecs", res.MSecs,
	)
	return &core.ExtractedText{
		Text:        text,
		ContentType: contentType,
		Metadata:    res.Meta,
	}, nil
}
