package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/cihq/internal/apperr"
)

const (
	defaultUserAgent = "cihq/1.0 (+competitive-intelligence snapshot)"
	defaultSizeCap   = 5 << 20
)

// Fetcher downloads a page and extracts a Snapshot from it.
type Fetcher struct {
	client    *http.Client
	userAgent string
	sizeCap   int64
	extractor *Extractor
}

// NewFetcher returns a Fetcher whose HTTP client times out after timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
		sizeCap:   defaultSizeCap,
		extractor: &Extractor{},
	}
}

// WithExtractor replaces the HTML extractor.
func (f *Fetcher) WithExtractor(e *Extractor) *Fetcher {
	f.extractor = e
	return f
}

// Fetch downloads rawURL and extracts it. Failures wrap
// apperr.ErrExtractionFailure, or apperr.ErrTimeout when ctx expired.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Snapshot, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", apperr.ErrExtractionFailure, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", apperr.ErrExtractionFailure, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyFetchErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", apperr.ErrExtractionFailure, rawURL, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", apperr.ErrExtractionFailure, err)
		}
		defer gz.Close()
		body = gz
	}
	body = io.LimitReader(body, f.sizeCap)

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "application/pdf":
		return f.extractPDF(ctx, body, rawURL)
	case mediaType == "", mediaType == "text/html", mediaType == "application/xhtml+xml":
		s, err := f.extractor.Extract(body, rawURL, contentType)
		if err != nil {
			return nil, classifyFetchErr(ctx, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", apperr.ErrExtractionFailure, mediaType)
	}
}

func (f *Fetcher) extractPDF(ctx context.Context, body io.Reader, rawURL string) (*Snapshot, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, classifyFetchErr(ctx, err)
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: opening pdf: %v", apperr.ErrExtractionFailure, err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("%w: reading pdf text: %v", apperr.ErrExtractionFailure, err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pdf text: %v", apperr.ErrExtractionFailure, err)
	}

	title := r.Trailer().Key("Info").Key("Title").Text()
	if strings.TrimSpace(title) == "" {
		if u, err := url.Parse(rawURL); err == nil {
			title = path.Base(u.Path)
		}
	}

	return &Snapshot{
		Title:       Truncate(collapse(title), MaxTitle),
		URL:         rawURL,
		TextContent: Truncate(normalizeText(string(text)), MaxTextContent),
		Metadata:    map[string]string{"content_type": "application/pdf"},
	}, nil
}

func classifyFetchErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: page content extraction: %v", apperr.ErrTimeout, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return fmt.Errorf("%w: page content extraction: %v", apperr.ErrTimeout, err)
	}
	if errors.Is(err, apperr.ErrExtractionFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", apperr.ErrExtractionFailure, err)
}
