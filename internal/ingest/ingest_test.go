package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/dealingester/internal/catalog"
	"sjsage522/dealingester/internal/detect"
	"sjsage522/dealingester/internal/extract"
	"sjsage522/dealingester/internal/renderer"
	apperr "sjsage522/dealingester/pkg/errors"
	"sjsage522/dealingester/services/cache"
)

func testConfig() Config {
	return Config{
		Concurrency:      2,
		RenderTimeout:    time.Second,
		ExtractTimeout:   time.Second,
		TargetTimeout:    5 * time.Second,
		RetryMaxAttempts: 3,
		RetryBaseBackoff: time.Millisecond,
		MissThreshold:    3,
		RunStaleAfter:    30 * time.Minute,
		BlockCooldown:    10 * time.Minute,
	}
}

func testTarget(id int64, url string) catalog.CrawlTarget {
	return catalog.CrawlTarget{
		ID:         id,
		MerchantID: "examplemart",
		URL:        url,
		RenderMode: catalog.RenderModeHTTP,
		Enabled:    true,
	}
}

func newTestOrchestrator(st *mockStore, r *mockRenderer, x *mockExtractor, pub *mockPublisher) *Orchestrator {
	blocker := cache.NewBlocker(newMemoryCache())
	return NewOrchestrator(st, r, r, x, blocker, pub, testConfig())
}

func TestIngestUnchangedTargetSkipsExtraction(t *testing.T) {
	html := "<html><body>stable deal page</body></html>"

	st := newMockStore()
	target := testTarget(1, "https://m.example.com/deals")
	target.LastContentHash = detect.Hash(detect.Normalize(html))
	st.targets = []catalog.CrawlTarget{target}

	r := newMockRenderer()
	r.results[target.URL] = &renderer.Result{Text: "stable deal page", HTML: html, Status: 200}
	x := &mockExtractor{}

	o := newTestOrchestrator(st, r, x, newMockPublisher())
	report, err := o.IngestAll(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, OutcomeSkippedUnchanged, report.Outcomes[0].Outcome)
	assert.Equal(t, 1, report.Totals.SkippedUnchanged)
	assert.Equal(t, 0, report.Totals.Candidates)
	assert.Equal(t, 0, x.callCount(), "extraction must be gated by the change detector")
	assert.Contains(t, st.touched, int64(1))
	assert.Empty(t, st.appliedPlans)
	assert.True(t, st.terminalRuns())
}

func TestIngestForceBypassesChangeDetector(t *testing.T) {
	html := "<html><body>stable deal page</body></html>"

	st := newMockStore()
	target := testTarget(1, "https://m.example.com/deals")
	target.LastContentHash = detect.Hash(detect.Normalize(html))
	st.targets = []catalog.CrawlTarget{target}

	r := newMockRenderer()
	r.results[target.URL] = &renderer.Result{Text: "stable deal page", HTML: html, Status: 200}
	x := &mockExtractor{}

	o := newTestOrchestrator(st, r, x, newMockPublisher())
	report, err := o.IngestAll(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, 1, x.callCount())
	assert.Equal(t, OutcomeSuccess, report.Outcomes[0].Outcome)
}

func TestIngestInsertsNewCandidate(t *testing.T) {
	future := time.Now().Add(30 * 24 * time.Hour)

	st := newMockStore()
	st.targets = []catalog.CrawlTarget{testTarget(1, "https://m.example.com/deals")}

	r := newMockRenderer()
	x := &mockExtractor{result: &extract.Result{
		Candidates: []catalog.DealCandidate{{
			Title:      "30% off",
			LandingURL: "https://m.example.com/x",
			EndsAt:     &future,
			MerchantID: "examplemart",
			TargetID:   1,
		}},
	}}
	pub := newMockPublisher()

	o := newTestOrchestrator(st, r, x, pub)
	report, err := o.IngestAll(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcomes[0].Outcome)
	assert.Equal(t, 1, report.Totals.Inserted)

	require.Len(t, st.appliedPlans, 1)
	require.Len(t, st.appliedPlans[0].Inserts, 1)
	assert.Equal(t, catalog.StatusPending, st.appliedPlans[0].Inserts[0].Status)

	// hash written back after a successful reconcile
	assert.NotEmpty(t, st.hashWrites[int64(1)])
	assert.True(t, st.terminalRuns())

	// fire-and-forget event eventually lands
	assert.Eventually(t, func() bool { return pub.count("examplemart") == 1 },
		time.Second, 10*time.Millisecond)
}

func TestIngestMalformedExtractionFailsRunWithoutMutations(t *testing.T) {
	st := newMockStore()
	st.targets = []catalog.CrawlTarget{testTarget(1, "https://m.example.com/deals")}

	r := newMockRenderer()
	x := &mockExtractor{errs: []error{
		apperr.NewExtractionParse("https://m.example.com/deals", "malformed", nil),
	}}

	o := newTestOrchestrator(st, r, x, newMockPublisher())
	report, err := o.IngestAll(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, OutcomeFailed, report.Outcomes[0].Outcome)
	assert.Equal(t, string(apperr.ErrorTypeExtractionParse), report.Outcomes[0].ErrorKind)
	assert.Equal(t, 1, x.callCount(), "parse errors are not retryable")
	assert.Empty(t, st.appliedPlans, "zero catalog mutations on extraction failure")
	assert.Empty(t, st.hashWrites, "hash must not advance past a failed extraction")
	assert.True(t, st.terminalRuns())
}

func TestIngestRetriesRetryableRenderFailure(t *testing.T) {
	st := newMockStore()
	target := testTarget(1, "https://m.example.com/deals")
	st.targets = []catalog.CrawlTarget{target}

	r := newMockRenderer()
	r.errs[target.URL] = []error{
		apperr.NewRenderTimeout(target.URL, context.DeadlineExceeded),
	}
	x := &mockExtractor{}

	o := newTestOrchestrator(st, r, x, newMockPublisher())
	report, err := o.IngestAll(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcomes[0].Outcome)
	assert.Equal(t, 2, r.calls, "one failure plus one successful retry")
}

func TestIngestFailureIsolation(t *testing.T) {
	st := newMockStore()
	bad := testTarget(1, "https://bad.example.com/deals")
	good := testTarget(2, "https://good.example.com/deals")
	good.MerchantID = "goodmart"
	st.targets = []catalog.CrawlTarget{bad, good}

	r := newMockRenderer()
	r.errs[bad.URL] = []error{
		apperr.NewNavigation(bad.URL, "connection refused", nil),
	}
	x := &mockExtractor{}

	o := newTestOrchestrator(st, r, x, newMockPublisher())
	report, err := o.IngestAll(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Targets)
	assert.Equal(t, 1, report.Failed)

	outcomes := map[int64]string{}
	for _, out := range report.Outcomes {
		outcomes[out.TargetID] = out.Outcome
	}
	assert.Equal(t, OutcomeFailed, outcomes[1])
	assert.Equal(t, OutcomeSuccess, outcomes[2], "sibling target must proceed")
	assert.True(t, st.terminalRuns())
}

func TestIngestBlockedTargetSetsCooldown(t *testing.T) {
	st := newMockStore()
	target := testTarget(1, "https://m.example.com/deals")
	st.targets = []catalog.CrawlTarget{target}

	r := newMockRenderer()
	r.errs[target.URL] = []error{
		apperr.NewBlocked(target.URL, "bot wall"),
	}
	x := &mockExtractor{}

	o := newTestOrchestrator(st, r, x, newMockPublisher())

	report, err := o.IngestAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, report.Outcomes[0].Outcome)
	assert.Equal(t, string(apperr.ErrorTypeBlocked), report.Outcomes[0].ErrorKind)
	firstBegins := st.beginCount

	// second batch while the cooldown holds: politeness skip, no ledger entry
	report, err = o.IngestAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedBlocked, report.Outcomes[0].Outcome)
	assert.Equal(t, firstBegins, st.beginCount)
}

func TestIngestCandidateOutcomeConservation(t *testing.T) {
	st := newMockStore()
	st.targets = []catalog.CrawlTarget{testTarget(1, "https://m.example.com/deals")}
	st.deals["examplemart"] = []catalog.Deal{{
		ID: 5, MerchantID: "examplemart",
		LandingURL: "https://m.example.com/known",
		Title:      "known deal", Status: catalog.StatusActive,
	}}

	r := newMockRenderer()
	x := &mockExtractor{result: &extract.Result{
		Candidates: []catalog.DealCandidate{
			{Title: "known deal", LandingURL: "https://m.example.com/known", MerchantID: "examplemart"},
			{Title: "fresh deal", LandingURL: "https://m.example.com/fresh", MerchantID: "examplemart"},
		},
		Dropped: 1,
	}}

	o := newTestOrchestrator(st, r, x, newMockPublisher())
	report, err := o.IngestAll(context.Background(), false)
	require.NoError(t, err)

	totals := report.Totals
	accounted := totals.Inserted + totals.Updated + totals.SkippedNoop + totals.Conflicts
	assert.Equal(t, totals.Candidates, accounted)
	assert.Equal(t, 1, totals.Dropped)
}
