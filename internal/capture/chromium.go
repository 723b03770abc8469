package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

// Defaults match the 2.9" panels in portrait orientation.
const (
	DefaultWidth   = 128
	DefaultHeight  = 296
	DefaultTimeout = 30 * time.Second
)

// ErrNoURL is returned when Options.URL is empty.
var ErrNoURL = errors.New("capture: URL is required")

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:3000/dashboard".
	URL string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// Selector, when set, is waited for before the screenshot, e.g.
	// `[data-ready="true"]`.
	Selector string

	// Timeout bounds the entire capture operation. If zero, DefaultTimeout
	// is used.
	Timeout time.Duration

	// OutputPath, when set, also receives the PNG.
	OutputPath string
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return ErrNoURL
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// tasks builds the chromedp actions for opts, storing the screenshot in
// png.
func tasks(opts *Options, png *[]byte) chromedp.Tasks {
	t := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
	}
	if opts.Selector != "" {
		t = append(t, chromedp.WaitVisible(opts.Selector, chromedp.ByQuery))
	}
	// Small extra delay to allow final paints.
	t = append(t,
		chromedp.Sleep(500*time.Millisecond),
		chromedp.FullScreenshot(png, 100),
	)
	return t
}

// PNG launches a headless Chromium through chromedp, renders opts.URL at
// the requested viewport and returns the screenshot.
func PNG(parentCtx context.Context, opts Options) ([]byte, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var png []byte
	if err := chromedp.Run(ctx, tasks(&opts, &png)); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}

	if opts.OutputPath != "" {
		if err := os.WriteFile(opts.OutputPath, png, 0o644); err != nil {
			return nil, fmt.Errorf("capture: failed to write PNG: %w", err)
		}
	}
	return png, nil
}

// Image is PNG decoded.
func Image(ctx context.Context, opts Options) (image.Image, error) {
	png, err := PNG(ctx, opts)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(png))
	if err != nil {
		return nil, fmt.Errorf("capture: decode screenshot: %w", err)
	}
	return img, nil
}
