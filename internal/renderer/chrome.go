package renderer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"sjsage522/dealingester/logger"
	apperr "sjsage522/dealingester/pkg/errors"
)

// ChromeRenderer drives a shared headless browser. The allocator is the
// long-lived browser session; each Render borrows a fresh tab bounded by a
// session semaphore, so one tab is owned by exactly one caller at a time.
type ChromeRenderer struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	sessions    chan struct{}
}

var _ Renderer = (*ChromeRenderer)(nil)

// NewChromeRenderer starts the headless browser allocator with maxSessions
// concurrent tabs. execPath overrides browser discovery when non-empty.
func NewChromeRenderer(execPath string, maxSessions int) *ChromeRenderer {
	if maxSessions < 1 {
		maxSessions = 1
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if bin := findChromeBinary(execPath); bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
		logger.ForRenderer().Info().Str("binary", bin).Msg("Using browser binary")
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromeRenderer{
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
		sessions:    make(chan struct{}, maxSessions),
	}
}

// Render loads the URL in a borrowed tab, waits for content to settle, and
// returns the rendered text. The tab is released via defer on every path.
func (r *ChromeRenderer) Render(ctx context.Context, url string, opts Options) (*Result, error) {
	select {
	case r.sessions <- struct{}{}:
	case <-ctx.Done():
		return nil, apperr.NewRenderTimeout(url, ctx.Err())
	}
	defer func() { <-r.sessions }()

	tabCtx, cancelTab := chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelTab()

	if opts.NavigationTimeout > 0 {
		var cancelTimeout context.CancelFunc
		tabCtx, cancelTimeout = context.WithTimeout(tabCtx, opts.NavigationTimeout)
		defer cancelTimeout()
	}

	// Propagate caller cancellation (whole-target timeout) into the tab.
	stop := propagateCancel(ctx, cancelTab)
	defer stop()

	var resp *network.Response
	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(url))
	if err != nil {
		return nil, mapChromeErr(url, tabCtx, err)
	}

	status := 200
	if resp != nil {
		status = int(resp.Status)
	}
	if status == 403 || status == 429 {
		return nil, apperr.NewBlocked(url, "main document responded with status "+strconv.Itoa(status))
	}
	if status < 200 || status > 299 {
		return nil, apperr.NewNavigation(url, "main document responded with status "+strconv.Itoa(status), nil)
	}

	actions := []chromedp.Action{}
	if opts.WaitStable > 0 {
		actions = append(actions, chromedp.Sleep(opts.WaitStable))
	}
	if opts.ScrollToBottom {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(opts.WaitStable/2),
		)
	}

	var html, text string
	actions = append(actions,
		chromedp.OuterHTML("html", &html),
		chromedp.Evaluate(`document.body ? document.body.innerText : ''`, &text),
	)

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, mapChromeErr(url, tabCtx, err)
	}

	if looksBlocked(text) {
		return nil, apperr.NewBlocked(url, "bot-detection page served")
	}

	return &Result{Text: text, HTML: html, Status: status}, nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() error {
	r.cancelAlloc()
	return nil
}

// propagateCancel cancels the tab when the caller's context ends first.
func propagateCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// mapChromeErr classifies a chromedp failure into the error taxonomy.
func mapChromeErr(url string, tabCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(tabCtx.Err(), context.DeadlineExceeded) {
		return apperr.NewRenderTimeout(url, err)
	}
	return apperr.NewNavigation(url, "browser navigation failed", err)
}

// findChromeBinary locates the Chrome/Chromium binary.
func findChromeBinary(override string) string {
	if override != "" {
		return override
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
