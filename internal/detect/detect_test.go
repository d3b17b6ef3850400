package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStripsMarkupAndVolatileTokens(t *testing.T) {
	html := `<html><head><style>.a{color:red}</style></head><body>
		<script>var session = "abc";</script>
		<h1>30% off everything</h1>
		<span>posted 2024-06-01T10:22:33Z</span>
		<span>5 minutes ago</span>
		<span>1,234 views</span>
		<span>token deadbeefdeadbeefdeadbeef</span>
	</body></html>`

	normalized := Normalize(html)

	assert.Contains(t, normalized, "30% off everything")
	assert.NotContains(t, normalized, "color:red")
	assert.NotContains(t, normalized, "session")
	assert.NotContains(t, normalized, "2024-06-01")
	assert.NotContains(t, normalized, "minutes ago")
	assert.NotContains(t, normalized, "1,234")
	assert.NotContains(t, normalized, "deadbeef")
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", Normalize("  a \n\t b \r\n  c  "))
}

func TestCompareUnchangedAcrossVolatileMarkup(t *testing.T) {
	pageA := `<html><body><h1>Deal: 50% off shoes</h1><span>posted 2024-06-01 10:22</span></body></html>`
	pageB := `<html><body><h1>Deal: 50% off shoes</h1><span>posted 2024-06-02 18:45</span></body></html>`

	first := Compare("", pageA)
	assert.True(t, first.Changed, "first crawl must read as changed")
	assert.NotEmpty(t, first.NewHash)

	second := Compare(first.NewHash, pageB)
	assert.False(t, second.Changed, "timestamp churn must not count as a change")
	assert.Equal(t, first.NewHash, second.NewHash)
}

func TestCompareDetectsRealChange(t *testing.T) {
	pageA := `<html><body><h1>Deal: 50% off shoes</h1></body></html>`
	pageB := `<html><body><h1>Deal: 70% off shoes</h1></body></html>`

	first := Compare("", pageA)
	second := Compare(first.NewHash, pageB)

	assert.True(t, second.Changed)
	assert.NotEqual(t, first.NewHash, second.NewHash)
}

func TestCompareIsIdempotent(t *testing.T) {
	page := `<html><body><div>BOGO on socks</div></body></html>`

	first := Compare("", page)
	second := Compare(first.NewHash, page)

	assert.False(t, second.Changed)
}

func TestHashStable(t *testing.T) {
	assert.Equal(t, Hash("same input"), Hash("same input"))
	assert.NotEqual(t, Hash("same input"), Hash("other input"))
}

func TestNormalizePlainTextPassthrough(t *testing.T) {
	// Rendered text with no markup takes the non-goquery path
	assert.Equal(t, "plain rendered text", Normalize("plain rendered text"))
}
