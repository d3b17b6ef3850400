// Package extract adapts the external structured-extraction service. It is
// the pipeline's only dependency on a remote intelligence service and the
// most expensive call per invocation; the change detector exists to keep
// calls into this package rare.
package extract

import (
	"context"
	"strings"
	"time"

	"sjsage522/dealingester/helpers"
	"sjsage522/dealingester/internal/catalog"
	"sjsage522/dealingester/logger"
)

// Hints carries target-specific context into the extraction prompt.
type Hints struct {
	TargetID   int64
	MerchantID string
	PageURL    string
	SiteNotes  string
}

// Result is one extraction outcome: the candidates that passed schema
// validation plus the count of those dropped.
type Result struct {
	Candidates []catalog.DealCandidate
	Dropped    int
}

// Extractor turns rendered page text into deal candidates.
type Extractor interface {
	Extract(ctx context.Context, text string, hints Hints) (*Result, error)
}

// candidateDTO is the wire shape the extraction service is asked to produce.
type candidateDTO struct {
	Title      string `json:"title"`
	LandingURL string `json:"landing_url"`
	ImageURL   string `json:"image_url,omitempty"`
	Summary    string `json:"summary,omitempty"`
	StartsAt   string `json:"starts_at,omitempty"`
	EndsAt     string `json:"ends_at,omitempty"`
}

// Truncate applies the maximum-input policy: keep the head of the text up to
// maxBytes, cutting back to the last line boundary so the service never sees
// a fragment sliced mid-sentence. The head carries the listing markup on the
// deal boards this worker targets; the tail is navigation and footer.
func Truncate(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	cut := text[:maxBytes]
	if idx := strings.LastIndexByte(cut, '\n'); idx > maxBytes/2 {
		cut = cut[:idx]
	}
	return cut
}

// validate applies the minimal candidate schema: title and an absolute
// http(s) landing URL are required, everything else is optional. Relative
// landing URLs are resolved against the page URL before the check.
func validate(dto candidateDTO, hints Hints) (*catalog.DealCandidate, bool) {
	title := strings.TrimSpace(dto.Title)
	landing := strings.TrimSpace(dto.LandingURL)

	if landing != "" && !helpers.IsAbsoluteHTTPURL(landing) {
		landing = helpers.ResolveURL(hints.PageURL, landing)
	}
	if title == "" || !helpers.IsAbsoluteHTTPURL(landing) {
		return nil, false
	}

	cand := &catalog.DealCandidate{
		Title:      title,
		LandingURL: landing,
		Summary:    strings.TrimSpace(dto.Summary),
		TargetID:   hints.TargetID,
		MerchantID: hints.MerchantID,
	}

	if img := strings.TrimSpace(dto.ImageURL); helpers.IsAbsoluteHTTPURL(img) {
		cand.ImageURL = img
	}
	cand.StartsAt = parseDate(dto.StartsAt)
	cand.EndsAt = parseDate(dto.EndsAt)

	return cand, true
}

// parseDate accepts the date shapes extraction services actually emit.
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	logger.ForExtractor().Debug().Str("raw", raw).Msg("Unparseable candidate date dropped")
	return nil
}

// collect validates a batch of DTOs, dropping and counting failures.
func collect(dtos []candidateDTO, hints Hints) *Result {
	res := &Result{}
	for _, dto := range dtos {
		cand, ok := validate(dto, hints)
		if !ok {
			res.Dropped++
			continue
		}
		res.Candidates = append(res.Candidates, *cand)
	}
	return res
}
