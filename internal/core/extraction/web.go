package extraction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"code.sajari.com/docconv"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"

	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/logger"
)

const (
	RendererHTTP     = "http"
	RendererChromedp = "chromedp"

	userAgent    = "BotforgeScraper/1.0"
	maxPageBytes = 10 << 20
)

// Fetcher returns the HTML of a page.
type Fetcher interface {
	FetchHTML(ctx context.Context, pageURL string) (string, error)
}

// HTTPFetcher does a plain GET.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) FetchHTML(ctx context.Context, pageURL string) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("GET %s: status %d", pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ChromedpFetcher renders the page in headless Chrome, for sites that build
// their content with JavaScript.
type ChromedpFetcher struct{}

func (ChromedpFetcher) FetchHTML(ctx context.Context, pageURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

// NewFetcher picks a fetcher by renderer name; unknown names use plain HTTP.
func NewFetcher(renderer string, timeout time.Duration) Fetcher {
	if renderer == RendererChromedp {
		return ChromedpFetcher{}
	}
	return HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

var _ core.Extractor = (*WebExtractor)(nil)

// WebExtractor scrapes a page and keeps its readable article text. Pages
// readability cannot parse fall back to docconv's HTML conversion.
type WebExtractor struct {
	fetcher Fetcher
	timeout time.Duration
	logger  *slog.Logger
}

func NewWebExtractor(fetcher Fetcher, timeout time.Duration) *WebExtractor {
	if fetcher == nil {
		fetcher = HTTPFetcher{}
	}
	return &WebExtractor{
		fetcher: fetcher,
		timeout: timeout,
		logger:  logger.WithComponent("web-extractor"),
	}
}

func (e *WebExtractor) ExtractText(ctx context.Context, loc core.SourceLocator) (*core.ExtractedText, error) {
	const op = "extraction.Web"
	pageURL, err := url.Parse(loc.URI)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") || pageURL.Host == "" {
		return nil, core.E(core.ErrExtraction, op, "invalid url "+loc.URI, err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	html, err := e.fetcher.FetchHTML(ctx, loc.URI)
	if err != nil {
		return nil, core.E(core.ErrExtraction, op, "fetch "+loc.URI, err)
	}

	meta := map[string]string{"url": loc.URI}
	text := ""
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil {
		text = strings.TrimSpace(article.TextContent)
		if t := strings.TrimSpace(article.Title); t != "" {
			meta["title"] = t
		}
		if b := strings.TrimSpace(article.Byline); b != "" {
			meta["byline"] = b
		}
		if article.SiteName != "" {
			meta["site_name"] = article.SiteName
		}
	} else {
		e.logger.Debug("readability failed, using html conversion", "url", loc.URI, "error", err)
	}

	if text == "" {
		body, docMeta, convErr := docconv.ConvertHTML(strings.NewReader(html), false)
		if convErr != nil {
			return nil, core.E(core.ErrExtraction, op, "convert html from "+loc.URI, convErr)
		}
		text = strings.TrimSpace(body)
		for k, v := range docMeta {
			if _, ok := meta[k]; !ok {
				meta[k] = v
			}
		}
	}
	if text == "" {
		return nil, core.E(core.ErrExtraction, op, "no readable text at "+loc.URI, nil)
	}

	return &core.ExtractedText{
		Text:        text,
		ContentType: "text/html",
		Metadata:    meta,
	}, nil
}
