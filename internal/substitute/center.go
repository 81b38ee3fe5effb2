package substitute

import (
	"math"

	"github.com/dynofield/api/internal/markup"
)

// centeredAttr records the transform an image carried before centering so a
// later substitution can restore or replace it.
const centeredAttr = "data-dyno-centered"

// center scales image about its frame centre when the source aspect ratio
// diverges from the frame by more than threshold. The scale is the geometric
// mean of the meet and slice fits, which fills most of the frame while keeping
// the subject whole. A centering transform left by an earlier value is removed
// when the new value no longer needs one.
func center(image *markup.Node, sourceAspect, threshold float64) {
	base, centered := originalTransform(image)

	x, _ := parseLength(markup.Attr(image, "x"))
	y, _ := parseLength(markup.Attr(image, "y"))
	w, okW := parseLength(markup.Attr(image, "width"))
	h, okH := parseLength(markup.Attr(image, "height"))
	if sourceAspect <= 0 || !okW || !okH || w <= 0 || h <= 0 {
		if centered {
			restoreTransform(image, base)
		}
		return
	}

	frameAspect := w / h
	if math.Abs(sourceAspect-frameAspect)/frameAspect <= threshold {
		if centered {
			restoreTransform(image, base)
		}
		return
	}

	ratio := sourceAspect / frameAspect
	scale := math.Sqrt(math.Max(ratio, 1/ratio))
	scale = round(scale)
	cx, cy := round(x+w/2), round(y+h/2)
	own := "translate(" + formatNumber(cx) + " " + formatNumber(cy) + ") " +
		"scale(" + formatNumber(scale) + ") " +
		"translate(" + formatNumber(-cx) + " " + formatNumber(-cy) + ")"

	markup.SetAttr(image, centeredAttr, base)
	if base == "" {
		markup.SetAttr(image, "transform", own)
		return
	}
	markup.SetAttr(image, "transform", base+" "+own)
}

func originalTransform(image *markup.Node) (string, bool) {
	if markup.HasAttr(image, centeredAttr) {
		return markup.Attr(image, centeredAttr), true
	}
	return markup.Attr(image, "transform"), false
}

func restoreTransform(image *markup.Node, base string) {
	markup.RemoveAttr(image, centeredAttr)
	if base == "" {
		markup.RemoveAttr(image, "transform")
		return
	}
	markup.SetAttr(image, "transform", base)
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
