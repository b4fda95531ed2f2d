package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// fontSettleDelay absorbs glyph-swap repaints after webfonts finish
// loading; a zero-delay capture can miss the final paint.
const fontSettleDelay = 100 * time.Millisecond

// Stats records per-render phase timings and traffic counters. All values
// are non-negative.
type Stats struct {
	QueueWaitMs     int64 `json:"queueWaitMs"`
	RenderMs        int64 `json:"renderMs"`
	ScreenshotMs    int64 `json:"screenshotMs"`
	BytesDownloaded int64 `json:"bytesDownloaded"`
	BlockedRequests int64 `json:"blockedRequests"`
}

// Result is one successfully produced image.
type Result struct {
	Image       []byte
	ContentType string
	Stats       Stats
}

// assetWaitScript settles once every <img> has finished (loaded or errored)
// and the document's fonts are ready. An errored image (for example one the
// request policy blocked) settles the wait instead of failing the render.
const assetWaitScript = `(async () => {
	const imgs = Array.from(document.images);
	await Promise.all(imgs.map((img) => {
		if (img.complete) return Promise.resolve();
		return new Promise((resolve) => {
			img.addEventListener('load', resolve, { once: true });
			img.addEventListener('error', resolve, { once: true });
		});
	}));
	if (document.fonts) {
		await document.fonts.ready;
	}
	return true;
})()`

func awaitPromise(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// Run drives one render on a leased browser process: open a tab, install
// the request policy, load the composed document, wait for assets and
// fonts, capture the screenshot. The tab is closed on every exit path;
// releasing the lease stays with the caller. Failures are returned as
// values, never thrown past this boundary.
func Run(lease *Lease, req *Request, queueWait time.Duration) (res *Result, rerr *Error) {
	defer func() {
		if r := recover(); r != nil {
			rerr = newError(CodeRenderError, fmt.Sprintf("render panicked: %v", r))
		}
	}()

	tabCtx, closeTab := chromedp.NewContext(lease.Context())
	defer closeTab()
	runCtx, cancel := context.WithTimeout(tabCtx, req.Timeout())
	defer cancel()

	policy := NewPolicy(req.UseGoogleFonts())
	stats := &RequestStats{}
	installInterceptor(tabCtx, policy, stats)

	doc := composeDocument(req)

	actions := []chromedp.Action{
		fetch.Enable(),
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(req.Width), int64(req.Height), req.DeviceScaleFactor, false),
	}
	if req.Background == "transparent" {
		actions = append(actions,
			emulation.SetDefaultBackgroundColorOverride().WithColor(&cdp.RGBA{R: 0, G: 0, B: 0, A: 0}))
	}
	actions = append(actions,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var settled bool
			return chromedp.Evaluate(assetWaitScript, &settled, awaitPromise).Do(ctx)
		}),
	)
	if req.UseGoogleFonts() {
		actions = append(actions, chromedp.Sleep(fontSettleDelay))
	}

	renderStart := time.Now()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if isBrowserGone(err) {
			lease.MarkUnhealthy()
		}
		return nil, classifyRenderErr(err)
	}
	renderMs := time.Since(renderStart).Milliseconds()

	shotStart := time.Now()
	var shot []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().
			WithFormat(screenshotFormat(req.Format)).
			WithCaptureBeyondViewport(req.FullPage).
			WithFromSurface(true)
		if req.Format == "jpeg" || req.Format == "webp" {
			params = params.WithQuality(int64(req.Quality))
		}
		var err error
		shot, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		if isBrowserGone(err) {
			lease.MarkUnhealthy()
		}
		return nil, classifyRenderErr(err)
	}

	return &Result{
		Image:       shot,
		ContentType: req.ContentType(),
		Stats: Stats{
			QueueWaitMs:     queueWait.Milliseconds(),
			RenderMs:        renderMs,
			ScreenshotMs:    time.Since(shotStart).Milliseconds(),
			BytesDownloaded: stats.BytesDownloaded(),
			BlockedRequests: stats.BlockedCount(),
		},
	}, nil
}

// installInterceptor routes every paused outbound request through the
// policy and feeds response sizes into the stats accumulator. Registered
// on the tab context before any navigation so no request escapes it.
func installInterceptor(tabCtx context.Context, policy *Policy, stats *RequestStats) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(tabCtx)
				ectx := cdp.WithExecutor(tabCtx, c.Target)
				if policy.Allow(e.Request.URL, e.ResourceType) {
					_ = fetch.ContinueRequest(e.RequestID).Do(ectx)
					return
				}
				stats.AddBlocked()
				_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ectx)
			}()
		case *network.EventResponseReceived:
			stats.AddResponse(e.Response.Headers)
		}
	})
}

func screenshotFormat(format string) page.CaptureScreenshotFormat {
	switch format {
	case "jpeg":
		return page.CaptureScreenshotFormatJpeg
	case "webp":
		return page.CaptureScreenshotFormatWebp
	default:
		return page.CaptureScreenshotFormatPng
	}
}

// browserGoneMarkers identify failures caused by the browser process dying
// rather than by the page content.
var browserGoneMarkers = []string{
	"websocket",
	"target closed",
	"browser closed",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"chrome failed to start",
}

// isBrowserGone reports whether an error indicates the browser process
// itself is unusable, as opposed to a render-content failure.
func isBrowserGone(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range browserGoneMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// probeRender is the pool's default liveness probe: a tiny fixed render
// that exercises the whole pipeline.
func probeRender(_ context.Context, lease *Lease) error {
	req := &Request{
		HTML:              "<html><body><h1>ok</h1></body></html>",
		Width:             320,
		Height:            240,
		DeviceScaleFactor: 1,
		Format:            "png",
		Quality:           defaultQuality,
		TimeoutMs:         5000,
		Background:        "white",
	}
	if _, rerr := Run(lease, req, 0); rerr != nil {
		return rerr
	}
	return nil
}
