// Package sanitize repairs malformed SVG markup so it can be parsed. Repairs
// are textual and run in a fixed order; when the result still does not parse,
// increasingly lossy tiers remove the elements responsible.
package sanitize

import (
	"go.uber.org/zap"

	"github.com/dynofield/api/internal/markup"
)

// Tier records how far sanitization had to escalate.
type Tier int

const (
	// TierClean means the input needed no changes.
	TierClean Tier = iota
	// TierRepaired means textual repairs were enough.
	TierRepaired
	// TierStripImages means image and use elements were removed.
	TierStripImages
	// TierStripVoids means all offending void-capable elements were removed and
	// the remaining structure was balanced.
	TierStripVoids
	// TierFailed means no tier produced a parseable document.
	TierFailed
)

// String returns the tier name used in logs.
func (t Tier) String() string {
	switch t {
	case TierClean:
		return "clean"
	case TierRepaired:
		return "repaired"
	case TierStripImages:
		return "strip_images"
	case TierStripVoids:
		return "strip_voids"
	default:
		return "failed"
	}
}

// Report summarizes the repairs applied to one document.
type Report struct {
	Tier                Tier
	ControlCharsRemoved int
	AmpersandsEscaped   int
	PayloadsRepaired    int
	PayloadsTruncated   int
	ElementsSelfClosed  int
	WhitespaceCollapsed int
	ElementsRemoved     []string
	ParseError          error
}

// Valid reports whether the sanitized output parses.
func (r Report) Valid() bool {
	return r.ParseError == nil
}

// Lossy reports whether content was removed or truncated.
func (r Report) Lossy() bool {
	return len(r.ElementsRemoved) > 0 || r.PayloadsTruncated > 0
}

// Result carries sanitized markup and the repair report.
type Result struct {
	Markup string
	Report Report
}

// Sanitizer repairs SVG markup.
type Sanitizer struct {
	maxPayload int
	logger     *zap.Logger
}

// Option customises the sanitizer.
type Option func(*Sanitizer)

// WithMaxPayload overrides the base64 payload cap.
func WithMaxPayload(max int) Option {
	return func(s *Sanitizer) {
		if max > 0 {
			s.maxPayload = max
		}
	}
}

// WithLogger attaches a logger used for escalation events.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sanitizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Sanitizer.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		maxPayload: DefaultMaxPayload,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sanitize is a convenience wrapper using default settings.
func Sanitize(raw string) string {
	return New().Sanitize(raw).Markup
}

// Sanitize repairs raw and returns the best-effort result. It never fails;
// callers check Report.Valid before parsing.
func (s *Sanitizer) Sanitize(raw string) Result {
	var rep Report

	cleaned, removed := StripControl(raw)
	rep.ControlCharsRemoved = removed

	toks := tokenize(cleaned)
	for i := range toks {
		t := &toks[i]
		switch t.kind {
		case tokenText:
			t.text = s.repairContent(t.text, false, &rep)
		case tokenStart:
			for j := range t.attrs {
				t.attrs[j].value = s.repairContent(t.attrs[j].value, true, &rep)
			}
		}
	}
	rep.ElementsSelfClosed = forceVoids(toks)

	out := render(toks, &rep)
	rep.Tier = TierRepaired
	if out == raw {
		rep.Tier = TierClean
	}
	if err := markup.Validate(out); err == nil {
		return Result{Markup: out, Report: rep}
	}

	tiers := []struct {
		tier      Tier
		target    func(string) bool
		closeOpen bool
	}{
		{tier: TierStripImages, target: isImageOrUse},
		{tier: TierStripVoids, target: IsVoidCapable, closeOpen: true},
	}
	current := toks
	var lastErr error
	for _, step := range tiers {
		current = balance(current, step.target, step.closeOpen, &rep)
		out = render(current, &rep)
		rep.Tier = step.tier
		lastErr = markup.Validate(out)
		s.logger.Warn("sanitize escalated",
			zap.String("tier", step.tier.String()),
			zap.Strings("removed", rep.ElementsRemoved),
			zap.Bool("valid", lastErr == nil),
		)
		if lastErr == nil {
			return Result{Markup: out, Report: rep}
		}
	}

	rep.Tier = TierFailed
	rep.ParseError = lastErr
	s.logger.Warn("sanitize failed", zap.Error(lastErr))
	return Result{Markup: out, Report: rep}
}
