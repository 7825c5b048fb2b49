package render

import (
	"bytes"
	"context"
	"image"
	_ "image/png"
	"time"

	"pical/internal/capture"
	"pical/internal/convert"
	"pical/internal/frame"
)

// Browser renders a frame by screenshotting a web page at panel size.
type Browser struct {
	URL           string
	ReadySelector string
	Timeout       time.Duration
	Dither        bool

	screenshot func(ctx context.Context, opts capture.Options) ([]byte, error)
}

func NewBrowser(url string, dither bool) *Browser {
	return &Browser{
		URL:        url,
		Dither:     dither,
		screenshot: capture.Screenshot,
	}
}

func (b *Browser) ProduceFrame(ctx context.Context, width, height int, depth frame.Depth) (*frame.Buffer, error) {
	png, err := b.screenshot(ctx, capture.Options{
		URL:           b.URL,
		Width:         width,
		Height:        height,
		ReadySelector: b.ReadySelector,
		Timeout:       b.Timeout,
	})
	if err != nil {
		return nil, &Error{Source: "browser", Err: err}
	}
	img, _, err := image.Decode(bytes.NewReader(png))
	if err != nil {
		return nil, &Error{Source: "browser", Err: err}
	}
	fb, err := convert.ToFrame(img, width, height, depth, convert.Options{Dither: b.Dither})
	if err != nil {
		return nil, &Error{Source: "convert", Err: err}
	}
	return fb, nil
}
