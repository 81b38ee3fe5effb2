package domain

import "time"

// Template is an SVG document carrying dyno field placeholders.
type Template struct {
	ID             string
	Name           string
	RawMarkup      string
	DeclaredFields []string
	PreviewURL     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RenderResult holds rasterized output and the backend that produced it.
type RenderResult struct {
	Bytes   []byte
	Format  string
	Backend string
	Width   int
	Height  int
}

// Slide is one document in a generation batch. Zero Width/Height select the
// configured defaults.
type Slide struct {
	TemplateID string
	Values     map[string]SubstitutionValue
	Render     bool
	Width      int
	Height     int
}

// SlideResult is the outcome for a single generated slide.
type SlideResult struct {
	RenderID    string
	TemplateID  string
	Document    string
	Diagnostics []Diagnostic
	Backend     string
	Format      string
	Raster      []byte
	DocumentURL string
	RasterURL   string
	Err         error
}
