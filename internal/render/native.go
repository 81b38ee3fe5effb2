package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/draw"

	"github.com/dynofield/api/internal/markup"
)

// undrawable lists elements the native rasterizer cannot reproduce. Documents
// containing any of them are declined so a more capable backend runs.
var undrawable = []string{"text", "image", "pattern", "foreignObject", "filter", "mask", "clipPath"}

// Native rasterizes with oksvg and rasterx. It handles plain vector shapes and
// gradients only.
type Native struct{}

// NewNative returns the native backend.
func NewNative() *Native { return &Native{} }

func (*Native) Name() string { return "native" }

func (*Native) Render(ctx context.Context, req Request) ([]byte, error) {
	doc, err := markup.Parse(req.Document)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	for _, tag := range undrawable {
		if len(doc.ElementsByTag(tag)) > 0 {
			return nil, fmt.Errorf("%w: contains %s", ErrUnsupported, tag)
		}
	}

	icon, err := oksvg.ReadIconStream(strings.NewReader(req.Document), oksvg.StrictErrorMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if icon.ViewBox.W <= 0 || icon.ViewBox.H <= 0 {
		icon.ViewBox.W, icon.ViewBox.H = float64(req.Width), float64(req.Height)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := req.Width, req.Height
	icon.SetTarget(0, 0, float64(w), float64(h))
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(w, h, canvas, canvas.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
