// Package detect implements the change detector that gates extraction.
// Everything here is pure computation; the stored hash is read and written by
// the orchestrator through the datastore.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Result is the outcome of comparing rendered content to the stored hash.
type Result struct {
	Changed bool
	NewHash string
}

// Volatile markup that shifts on every page load without the listed deals
// actually changing. These cause false "changed" verdicts, which directly
// translate into wasted extraction calls.
var (
	// ISO-ish timestamps: 2024-01-02T15:04:05, 2024-01-02 15:04
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	// Bare clock times: 15:04, 15:04:05
	reClock = regexp.MustCompile(`\b\d{1,2}:\d{2}(:\d{2})?\b`)
	// Relative ages: "3 minutes ago", "an hour ago"
	reRelAge = regexp.MustCompile(`(?i)\b(\d+|an?)\s+(second|minute|hour|day)s?\s+ago\b`)
	// View/hit counters: "1,234 views", "hits: 567"
	reCounter = regexp.MustCompile(`(?i)\b(views?|hits?|comments?)\s*:?\s*[\d,]+\b|\b[\d,]+\s+(views?|hits?|comments?)\b`)
	// Session-ish hex tokens of 16+ chars
	reHexToken = regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`)

	reWhitespace = regexp.MustCompile(`\s+`)
)

// elements removed before text extraction; their contents churn per load
const strippedElements = "script, style, noscript, iframe, svg, template"

// Normalize reduces rendered HTML (or plain text) to a stable text form:
// non-content elements removed, volatile tokens stripped, whitespace
// collapsed. The output is what gets hashed.
func Normalize(content string) string {
	text := content
	if strings.Contains(content, "<") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(content)); err == nil {
			doc.Find(strippedElements).Remove()
			text = doc.Text()
		}
	}

	text = reTimestamp.ReplaceAllString(text, "")
	text = reRelAge.ReplaceAllString(text, "")
	text = reCounter.ReplaceAllString(text, "")
	text = reClock.ReplaceAllString(text, "")
	text = reHexToken.ReplaceAllString(text, "")
	text = reWhitespace.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}

// Hash computes the content hash of normalized text.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Compare normalizes content, hashes it, and compares against the target's
// last stored hash. An empty prevHash always reads as changed (first crawl).
func Compare(prevHash, content string) Result {
	newHash := Hash(Normalize(content))
	return Result{
		Changed: prevHash == "" || prevHash != newHash,
		NewHash: newHash,
	}
}
