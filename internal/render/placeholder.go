package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"

	"github.com/srwiley/oksvg"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dynofield/api/internal/markup"
)

const (
	maxSwatches  = 8
	maxTextLines = 24
	textMargin   = 16
)

var placeholderBackground = color.RGBA{R: 0xf3, G: 0xf4, B: 0xf6, A: 0xff}

// Placeholder draws a summary of the document: its text content over the
// dominant fill colour with a band of the palette beneath. It never fails.
type Placeholder struct {
	face font.Face
}

// NewPlaceholder returns the fallback backend.
func NewPlaceholder() *Placeholder {
	return &Placeholder{face: basicfont.Face7x13}
}

func (*Placeholder) Name() string { return "placeholder" }

func (p *Placeholder) Render(_ context.Context, req Request) ([]byte, error) {
	req = req.withDefaults()
	texts, palette := summarize(req.Document)

	w, h := req.Width, req.Height
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	background := color.Color(placeholderBackground)
	if len(palette) > 0 {
		background = palette[0]
	}
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	band := h / 8
	if len(palette) > 0 && band > 0 {
		swatches := palette
		if len(swatches) > maxSwatches {
			swatches = swatches[:maxSwatches]
		}
		step := w / len(swatches)
		for i, c := range swatches {
			x0 := i * step
			x1 := x0 + step
			if i == len(swatches)-1 {
				x1 = w
			}
			draw.Draw(canvas, image.Rect(x0, h-band, x1, h), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}

	if len(texts) == 0 {
		texts = []string{"preview unavailable"}
	}
	metrics := p.face.Metrics()
	lineHeight := (metrics.Height + metrics.Descent).Ceil()
	maxChars := (w - 2*textMargin) / font.MeasureString(p.face, "M").Ceil()
	d := &font.Drawer{Dst: canvas, Src: image.NewUniform(contrast(background)), Face: p.face}
	y := textMargin + metrics.Ascent.Ceil()
	for i, line := range texts {
		if i >= maxTextLines || y > h-band-textMargin {
			break
		}
		if maxChars > 0 && len([]rune(line)) > maxChars {
			line = string([]rune(line)[:maxChars])
		}
		d.Dot = fixed.P(textMargin, y)
		d.DrawString(line)
		y += lineHeight
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// summarize extracts visible text and distinct colours in document order.
// Unparseable documents yield nothing.
func summarize(document string) ([]string, []color.Color) {
	doc, err := markup.Parse(document)
	if err != nil {
		return nil, nil
	}

	var texts []string
	markup.WalkText(doc.Root(), func(n *markup.Node) {
		if parent := n.Parent; markup.IsElement(parent, "style") || markup.IsElement(parent, "script") {
			return
		}
		if line := strings.Join(strings.Fields(n.Data), " "); line != "" {
			texts = append(texts, line)
		}
	})

	var palette []color.Color
	seen := make(map[color.RGBA]struct{})
	doc.Walk(func(n *markup.Node) bool {
		for _, prop := range []string{"fill", "stop-color", "stroke"} {
			value := strings.TrimSpace(markup.Presentation(n, prop))
			if value == "" || strings.HasPrefix(strings.ToLower(value), "url") {
				continue
			}
			c, err := oksvg.ParseSVGColor(value)
			if err != nil || c == nil {
				continue
			}
			key := color.RGBAModel.Convert(c).(color.RGBA)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			palette = append(palette, key)
		}
		return true
	})
	return texts, palette
}

// contrast picks black or white text for legibility on background.
func contrast(background color.Color) color.Color {
	r, g, b, _ := background.RGBA()
	luminance := (299*r + 587*g + 114*b) / 1000
	if luminance > 0x7fff {
		return color.Black
	}
	return color.White
}
