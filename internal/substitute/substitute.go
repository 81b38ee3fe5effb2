// Package substitute writes field values into resolved targets of a markup
// document.
package substitute

import (
	"context"
	"encoding/base64"
	"html"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/fields"
	"github.com/dynofield/api/internal/imagefetch"
	"github.com/dynofield/api/internal/markup"
	"github.com/dynofield/api/internal/sanitize"
)

const (
	// DefaultCenteringThreshold is the relative aspect divergence above which
	// headshots receive a centering transform.
	DefaultCenteringThreshold = 0.25
	// DefaultWrapWidth is the longest address line, in characters.
	DefaultWrapWidth = 35
	// DefaultLineHeight advances the second address line.
	DefaultLineHeight = 35.0
)

// ImageSource loads image content for image targets. *imagefetch.Fetcher
// satisfies it.
type ImageSource interface {
	Fetch(ctx context.Context, url string) (imagefetch.Result, error)
	LoadLocal(root, path string) (imagefetch.Result, error)
	Normalize(data []byte) (imagefetch.Result, error)
}

// Substitutor applies values to resolved targets. It holds no per-document
// state and may be shared across goroutines.
type Substitutor struct {
	images     ImageSource
	logger     *zap.Logger
	localRoot  string
	maxPayload int
	threshold  float64

	wrapAddresses bool
	wrapWidth     int
	lineHeight    float64

	policy *bluemonday.Policy
	fonts  []Font
}

// Option configures a Substitutor.
type Option func(*Substitutor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Substitutor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocalRoot enables embedding of local image paths below root.
func WithLocalRoot(root string) Option {
	return func(s *Substitutor) {
		s.localRoot = root
	}
}

// WithMaxPayload caps inline base64 payloads.
func WithMaxPayload(max int) Option {
	return func(s *Substitutor) {
		if max > 0 {
			s.maxPayload = max
		}
	}
}

// WithCenteringThreshold overrides the headshot divergence threshold.
func WithCenteringThreshold(threshold float64) Option {
	return func(s *Substitutor) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithAddressWrap splits long address values over two runs. Zero arguments
// keep the defaults.
func WithAddressWrap(width int, lineHeight float64) Option {
	return func(s *Substitutor) {
		s.wrapAddresses = true
		if width > 0 {
			s.wrapWidth = width
		}
		if lineHeight > 0 {
			s.lineHeight = lineHeight
		}
	}
}

// WithMarkupStripping removes HTML markup from text values.
func WithMarkupStripping() Option {
	return func(s *Substitutor) {
		s.policy = bluemonday.StrictPolicy()
	}
}

// WithFontImports enables InjectFonts for the given fonts.
func WithFontImports(fonts ...Font) Option {
	return func(s *Substitutor) {
		s.fonts = append(s.fonts[:0], fonts...)
	}
}

// New builds a Substitutor. images may be nil, in which case remote and local
// references are written verbatim.
func New(images ImageSource, opts ...Option) *Substitutor {
	s := &Substitutor{
		images:     images,
		logger:     zap.NewNop(),
		maxPayload: sanitize.DefaultMaxPayload,
		threshold:  DefaultCenteringThreshold,
		wrapWidth:  DefaultWrapWidth,
		lineHeight: DefaultLineHeight,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Apply writes value into target and reports the outcome. Applying the same
// field twice leaves only the last value and never duplicates nodes.
func (s *Substitutor) Apply(ctx context.Context, target fields.Target, value domain.SubstitutionValue) domain.Diagnostic {
	switch {
	case !target.Resolved():
		return domain.Diagnostic{FieldName: target.Field, Kind: domain.DiagnosticUnresolvedField}
	case target.Kind == fields.KindText:
		s.applyText(target, value.AsText())
		return applied(target.Field)
	default:
		return s.applyImage(ctx, target, value.AsImage())
	}
}

func applied(field string) domain.Diagnostic {
	return domain.Diagnostic{FieldName: field, Kind: domain.DiagnosticApplied}
}

// PrepareText normalizes a text value before it is written to the tree.
// Escaping is left to the serializer.
func (s *Substitutor) PrepareText(raw string) string {
	text := norm.NFC.String(raw)
	if s.policy != nil {
		text = html.UnescapeString(s.policy.Sanitize(text))
	}
	text, _ = sanitize.StripControl(text)
	return text
}

func (s *Substitutor) applyText(target fields.Target, raw string) {
	text := s.PrepareText(raw)
	run := target.TextRun
	if !s.wrapAddresses || !isAddressField(target.Field) {
		markup.SetText(run, text)
		return
	}
	first, second := WrapAddress(text, s.wrapWidth)
	if !s.setContinuation(target.Field, run, second) {
		markup.SetText(run, text)
		return
	}
	markup.SetText(run, first)
}

func (s *Substitutor) applyImage(ctx context.Context, target fields.Target, ref domain.ImageRef) domain.Diagnostic {
	node := target.ImageNode()
	href, aspect, diag := s.imageHref(ctx, target.Field, ref)
	if diag.Kind == domain.DiagnosticApplied {
		var truncated bool
		if href, truncated = sanitize.NormalizeDataURI(href, s.maxPayload); truncated {
			diag = domain.Diagnostic{
				FieldName: target.Field,
				Kind:      domain.DiagnosticValueTruncated,
				Detail:    "embedded image exceeds payload cap",
			}
		}
	}
	setHref(node, href)
	if target.Kind == fields.KindChainedImage && target.ImageElementID != "" && !markup.HasAttr(node, "id") {
		markup.SetAttr(node, "id", target.ImageElementID)
	}

	class := fields.Classify(target.Field)
	markup.SetAttr(node, "preserveAspectRatio", fields.AspectRatio(class))
	if fields.NeedsCentering(class) {
		if target.Pattern != nil {
			markup.RemoveAttr(target.Pattern, "patternTransform")
			markup.RemoveAttr(target.Pattern, "transform")
		}
		center(node, aspect, s.threshold)
	}
	return diag
}

// imageHref turns ref into the value written to the image reference, along
// with the source aspect ratio when known.
func (s *Substitutor) imageHref(ctx context.Context, field string, ref domain.ImageRef) (string, float64, domain.Diagnostic) {
	switch ref.Kind {
	case domain.SourceURL:
		if s.images == nil {
			return ref.Location, 0, applied(field)
		}
		res, err := s.images.Fetch(ctx, ref.Location)
		if err != nil {
			s.logger.Warn("image fetch failed, keeping url",
				zap.String("field", field),
				zap.String("url", ref.Location),
				zap.Error(err),
			)
			return ref.Location, 0, domain.Diagnostic{
				FieldName:    field,
				Kind:         domain.DiagnosticImageFetchFailed,
				FallbackUsed: true,
				Detail:       err.Error(),
			}
		}
		return res.DataURI, res.AspectRatio(), applied(field)

	case domain.SourceInline:
		uri := ref.Location
		if uri == "" && len(ref.Data) > 0 {
			if s.images != nil {
				if res, err := s.images.Normalize(ref.Data); err == nil {
					return res.DataURI, res.AspectRatio(), applied(field)
				}
			}
			mime := ref.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			uri = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(ref.Data)
		}
		uri, truncated := sanitize.NormalizeDataURI(uri, s.maxPayload)
		if truncated {
			return uri, 0, domain.Diagnostic{
				FieldName: field,
				Kind:      domain.DiagnosticValueTruncated,
				Detail:    "inline payload truncated",
			}
		}
		return uri, 0, applied(field)

	default:
		if s.localRoot == "" || s.images == nil {
			return ref.Location, 0, applied(field)
		}
		res, err := s.images.LoadLocal(s.localRoot, ref.Location)
		if err != nil {
			s.logger.Warn("local image unreadable, keeping path",
				zap.String("field", field),
				zap.String("path", ref.Location),
				zap.Error(err),
			)
			return ref.Location, 0, domain.Diagnostic{
				FieldName:    field,
				Kind:         domain.DiagnosticImageFetchFailed,
				FallbackUsed: true,
				Detail:       err.Error(),
			}
		}
		return res.DataURI, res.AspectRatio(), applied(field)
	}
}

// setHref rewrites whichever of href and xlink:href is present, adding href
// when neither is.
func setHref(n *markup.Node, value string) {
	plain := markup.HasAttr(n, "href")
	xlink := markup.HasAttr(n, "xlink:href")
	if plain || !xlink {
		markup.SetAttr(n, "href", value)
	}
	if xlink {
		markup.SetAttr(n, "xlink:href", value)
	}
}
