package domain

import (
	"strings"
)

// FieldClassification is the semantic kind inferred from a field name.
type FieldClassification int

const (
	// ClassGenericText is the default classification for unmatched names.
	ClassGenericText FieldClassification = iota
	// ClassHeadshot marks portrait photos of people.
	ClassHeadshot
	// ClassPropertyPhoto marks wide scenic or listing photos.
	ClassPropertyPhoto
	// ClassLogo marks brand marks.
	ClassLogo
)

// String returns the wire name of the classification.
func (c FieldClassification) String() string {
	switch c {
	case ClassHeadshot:
		return "headshot"
	case ClassPropertyPhoto:
		return "property_photo"
	case ClassLogo:
		return "logo"
	default:
		return "generic_text"
	}
}

// ValueKind distinguishes text values from image references.
type ValueKind int

const (
	// ValueText carries a literal string.
	ValueText ValueKind = iota
	// ValueImage carries an image reference.
	ValueImage
)

// ImageSourceKind describes where an image reference points.
type ImageSourceKind int

const (
	// SourceURL is a remote http(s) location.
	SourceURL ImageSourceKind = iota
	// SourceLocalPath is a file on the local filesystem.
	SourceLocalPath
	// SourceInline is an embedded data URI or raw bytes.
	SourceInline
)

// ImageRef points at image content supplied by the caller.
type ImageRef struct {
	Kind     ImageSourceKind
	Location string
	Data     []byte
	MIMEType string
}

// SubstitutionValue is the value supplied for one field.
type SubstitutionValue struct {
	Kind  ValueKind
	Text  string
	Image ImageRef
}

// TextValue wraps a literal string.
func TextValue(text string) SubstitutionValue {
	return SubstitutionValue{Kind: ValueText, Text: text}
}

// ImageValue wraps an image reference.
func ImageValue(ref ImageRef) SubstitutionValue {
	return SubstitutionValue{Kind: ValueImage, Image: ref}
}

// ParseImageRef interprets a raw string as an image reference.
func ParseImageRef(raw string) ImageRef {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return ImageRef{Kind: SourceURL, Location: trimmed}
	case strings.HasPrefix(lower, "data:"):
		mime := ""
		if idx := strings.IndexAny(trimmed, ";,"); idx > len("data:") {
			mime = trimmed[len("data:"):idx]
		}
		return ImageRef{Kind: SourceInline, Location: trimmed, MIMEType: mime}
	default:
		return ImageRef{Kind: SourceLocalPath, Location: strings.TrimPrefix(trimmed, "file://")}
	}
}

// AsImage coerces the value into an image reference. Text values are parsed as
// locations so plain string maps can target image fields.
func (v SubstitutionValue) AsImage() ImageRef {
	if v.Kind == ValueImage {
		return v.Image
	}
	return ParseImageRef(v.Text)
}

// AsText coerces the value into a string for text targets.
func (v SubstitutionValue) AsText() string {
	if v.Kind == ValueText {
		return v.Text
	}
	return v.Image.Location
}

// ValuesFromStrings converts a plain string map into substitution values.
func ValuesFromStrings(raw map[string]string) map[string]SubstitutionValue {
	out := make(map[string]SubstitutionValue, len(raw))
	for key, value := range raw {
		out[key] = TextValue(value)
	}
	return out
}

// DiagnosticKind enumerates per-field outcomes of a resolution request.
type DiagnosticKind string

const (
	// DiagnosticApplied means the value was written to its target.
	DiagnosticApplied DiagnosticKind = "applied"
	// DiagnosticUnresolvedField means no target matched the field name.
	DiagnosticUnresolvedField DiagnosticKind = "unresolved_field"
	// DiagnosticImageFetchFailed means the raw reference was written after a failed fetch.
	DiagnosticImageFetchFailed DiagnosticKind = "image_fetch_failed"
	// DiagnosticValueTruncated means an embedded payload exceeded the size limit.
	DiagnosticValueTruncated DiagnosticKind = "value_truncated"
)

// Diagnostic reports the outcome for a single field.
type Diagnostic struct {
	FieldName    string         `json:"field"`
	Kind         DiagnosticKind `json:"kind"`
	FallbackUsed bool           `json:"fallbackUsed,omitempty"`
	Detail       string         `json:"detail,omitempty"`
}
