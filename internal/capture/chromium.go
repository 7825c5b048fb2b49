package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultReadySelector = `[data-ready="true"]`
)

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/dashboard".
	URL string

	// Width and Height are the viewport dimensions in pixels.
	Width  int
	Height int

	// ReadySelector is waited for before the screenshot. Pages signal
	// that data loading and rendering finished by exposing it.
	ReadySelector string

	// Timeout bounds the entire capture operation.
	Timeout time.Duration
}

// Screenshot launches a headless Chromium instance via chromedp, navigates
// to opts.URL, waits for opts.ReadySelector to become visible and returns a
// PNG of the page.
//
// Note: the PNG is a full-color screenshot; grayscale conversion is left to
// the caller.
func Screenshot(parentCtx context.Context, opts Options) ([]byte, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("capture: URL is required")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid viewport %dx%d", opts.Width, opts.Height)
	}
	if opts.ReadySelector == "" {
		opts.ReadySelector = DefaultReadySelector
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var png []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(opts.ReadySelector, chromedp.ByQuery),
		// Small extra delay to allow final paints.
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.FullScreenshot(&png, 100),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	return png, nil
}
