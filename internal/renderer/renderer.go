// Package renderer produces rendered page content for the pipeline. Two
// implementations exist: a headless-Chrome renderer for script-heavy pages
// and a plain-HTTP fetcher for server-rendered boards. Neither retries;
// retry policy belongs to the orchestrator.
package renderer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"sjsage522/dealingester/helpers"
	apperr "sjsage522/dealingester/pkg/errors"
)

// Options configures one render call.
type Options struct {
	// NavigationTimeout bounds the whole render, navigation included.
	NavigationTimeout time.Duration
	// WaitStable is how long to wait after navigation for dynamic content.
	WaitStable time.Duration
	// ScrollToBottom triggers lazy-loaded content before capture.
	ScrollToBottom bool
}

// Result is the rendered content of one page.
type Result struct {
	// Text is the visible text of the rendered document.
	Text string
	// HTML is the full rendered markup.
	HTML string
	// Status is the HTTP status of the main document response.
	Status int
}

// Renderer renders a URL into text content.
type Renderer interface {
	Render(ctx context.Context, url string, opts Options) (*Result, error)
	Close() error
}

// bot-wall phrases that mean the target served a challenge page instead of
// content
var blockMarkers = []string{
	"verify you are human",
	"checking your browser",
	"access denied",
	"are you a robot",
	"captcha",
}

// looksBlocked reports whether rendered text is a bot-detection page.
func looksBlocked(text string) bool {
	if len(text) > 4096 {
		text = text[:4096]
	}
	lower := strings.ToLower(text)
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// HTTPRenderer fetches pages with a plain GET and randomized browser headers.
// Suitable for targets whose deal listings are server-rendered.
type HTTPRenderer struct{}

var _ Renderer = (*HTTPRenderer)(nil)

// NewHTTPRenderer creates a new plain-HTTP renderer.
func NewHTTPRenderer() *HTTPRenderer {
	return &HTTPRenderer{}
}

// Render fetches the URL and extracts document text.
func (r *HTTPRenderer) Render(ctx context.Context, url string, opts Options) (*Result, error) {
	type fetched struct {
		body   io.Reader
		status int
		err    error
	}

	done := make(chan fetched, 1)
	go func() {
		body, status, err := helpers.FetchWithRandomHeaders(url)
		done <- fetched{body: body, status: status, err: err}
	}()

	var f fetched
	select {
	case <-ctx.Done():
		return nil, apperr.NewRenderTimeout(url, ctx.Err())
	case f = <-done:
	}

	if f.err != nil {
		var se *helpers.StatusError
		if errors.As(f.err, &se) {
			if se.StatusCode == http.StatusForbidden || se.StatusCode == http.StatusTooManyRequests || se.StatusCode == 430 {
				return nil, apperr.NewBlocked(url, f.err.Error())
			}
			return nil, apperr.NewNavigation(url, "unexpected status", f.err)
		}
		return nil, apperr.NewNavigation(url, "fetch failed", f.err)
	}

	raw, err := io.ReadAll(f.body)
	if err != nil {
		return nil, apperr.NewNavigation(url, "read body", err)
	}

	html := string(raw)
	text := html
	if doc, derr := goquery.NewDocumentFromReader(strings.NewReader(html)); derr == nil {
		doc.Find("script, style, noscript").Remove()
		text = doc.Text()
	}

	if looksBlocked(text) {
		return nil, apperr.NewBlocked(url, "bot-detection page served")
	}

	return &Result{Text: text, HTML: html, Status: f.status}, nil
}

// Close is a no-op for the HTTP renderer.
func (r *HTTPRenderer) Close() error {
	return nil
}
