package substitute

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/fields"
	"github.com/dynofield/api/internal/imagefetch"
	"github.com/dynofield/api/internal/markup"
)

type fakeImages struct {
	results map[string]imagefetch.Result
	calls   int
}

func (f *fakeImages) Fetch(_ context.Context, url string) (imagefetch.Result, error) {
	f.calls++
	if res, ok := f.results[url]; ok {
		return res, nil
	}
	return imagefetch.Result{}, errors.New("fetch: boom")
}

func (f *fakeImages) LoadLocal(_, path string) (imagefetch.Result, error) {
	return f.Fetch(context.Background(), path)
}

func (f *fakeImages) Normalize(data []byte) (imagefetch.Result, error) {
	return imagefetch.Result{DataURI: "data:image/jpeg;base64,Tk9STQ==", SourceWidth: 1, SourceHeight: 1}, nil
}

func mustParse(t *testing.T, raw string) *markup.Document {
	t.Helper()
	doc, err := markup.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func apply(t *testing.T, s *Substitutor, doc *markup.Document, field string, value domain.SubstitutionValue) domain.Diagnostic {
	t.Helper()
	return s.Apply(context.Background(), fields.Resolve(doc, field), value)
}

func TestApplyTextReplacesOnlyFirstRun(t *testing.T) {
	doc := mustParse(t, `<svg><text id="dyno.price"><tspan x="1">$0</tspan><tspan x="2"> USD</tspan></text></svg>`)
	s := New(nil)

	diag := apply(t, s, doc, "dyno.price", domain.TextValue("R&D <1>"))
	if diag.Kind != domain.DiagnosticApplied {
		t.Fatalf("expected applied, got %+v", diag)
	}
	want := `<svg><text id="dyno.price"><tspan x="1">R&amp;D &lt;1&gt;</tspan><tspan x="2"> USD</tspan></text></svg>`
	if got := doc.String(); got != want {
		t.Fatalf("unexpected output:\n got %s\nwant %s", got, want)
	}
}

func TestApplyIsLastValueWins(t *testing.T) {
	doc := mustParse(t, `<svg><text id="dyno.name"><tspan>a</tspan></text></svg>`)
	s := New(nil)
	apply(t, s, doc, "dyno.name", domain.TextValue("first"))
	apply(t, s, doc, "dyno.name", domain.TextValue("second"))
	if got := doc.String(); got != `<svg><text id="dyno.name"><tspan>second</tspan></text></svg>` {
		t.Fatalf("unexpected output %s", got)
	}
}

func TestApplyUnresolved(t *testing.T) {
	doc := mustParse(t, `<svg/>`)
	diag := apply(t, New(nil), doc, "dyno.missing", domain.TextValue("x"))
	want := domain.Diagnostic{FieldName: "dyno.missing", Kind: domain.DiagnosticUnresolvedField}
	if diff := cmp.Diff(want, diag); diff != "" {
		t.Fatalf("diagnostic mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyRemoteImageUpdatesBothReferences(t *testing.T) {
	images := &fakeImages{results: map[string]imagefetch.Result{
		"https://cdn.example.com/house.jpg": {DataURI: "data:image/jpeg;base64,AAAA", SourceWidth: 2, SourceHeight: 1},
	}}
	doc := mustParse(t, `<svg xmlns:xlink="http://www.w3.org/1999/xlink"><image id="dyno.propertyimage" href="a.png" xlink:href="a.png"/></svg>`)

	diag := apply(t, New(images), doc, "dyno.propertyimage", domain.TextValue("https://cdn.example.com/house.jpg"))
	if diag.Kind != domain.DiagnosticApplied {
		t.Fatalf("expected applied, got %+v", diag)
	}
	want := `<svg xmlns:xlink="http://www.w3.org/1999/xlink"><image id="dyno.propertyimage" href="data:image/jpeg;base64,AAAA" xlink:href="data:image/jpeg;base64,AAAA" preserveAspectRatio="xMidYMid slice"/></svg>`
	if got := doc.String(); got != want {
		t.Fatalf("unexpected output:\n got %s\nwant %s", got, want)
	}
}

func TestApplyRemoteImageOverPayloadCapIsReported(t *testing.T) {
	images := &fakeImages{results: map[string]imagefetch.Result{
		"https://cdn.example.com/huge.jpg": {DataURI: "data:image/jpeg;base64,AAAAAAAAAAAAAAAA", SourceWidth: 1, SourceHeight: 1},
	}}
	doc := mustParse(t, `<svg><image id="dyno.propertyimage2" href="a.png"/></svg>`)

	diag := apply(t, New(images, WithMaxPayload(8)), doc, "dyno.propertyimage2", domain.TextValue("https://cdn.example.com/huge.jpg"))
	if diag.Kind != domain.DiagnosticValueTruncated || diag.FieldName != "dyno.propertyimage2" {
		t.Fatalf("expected truncation diagnostic, got %+v", diag)
	}
	if got := markup.Href(doc.ElementByID("dyno.propertyimage2")); got != "data:image/jpeg;base64,AAAAAAAA" {
		t.Fatalf("unexpected href %q", got)
	}
}

func TestApplyUseTargetRewritesReferencedImage(t *testing.T) {
	doc := mustParse(t, `<svg xmlns:xlink="http://www.w3.org/1999/xlink"><defs><image id="img1" xlink:href="old.png"/></defs><use id="dyno.logo" xlink:href="#img1"/></svg>`)

	diag := apply(t, New(nil), doc, "dyno.logo", domain.TextValue("https://x/logo.png"))
	if diag.Kind != domain.DiagnosticApplied {
		t.Fatalf("expected applied, got %+v", diag)
	}
	if got := markup.Href(doc.ElementByID("dyno.logo")); got != "#img1" {
		t.Fatalf("expected use reference kept, got %q", got)
	}
	if got := markup.Href(doc.ElementByID("img1")); got != "https://x/logo.png" {
		t.Fatalf("expected image rewritten, got %q", got)
	}
}

func TestApplyFetchFailureKeepsURL(t *testing.T) {
	doc := mustParse(t, `<svg><image id="dyno.logo" href="a.png"/></svg>`)
	url := "https://cdn.example.com/missing.png"

	diag := apply(t, New(&fakeImages{}), doc, "dyno.logo", domain.TextValue(url))
	want := domain.Diagnostic{
		FieldName:    "dyno.logo",
		Kind:         domain.DiagnosticImageFetchFailed,
		FallbackUsed: true,
		Detail:       "fetch: boom",
	}
	if diff := cmp.Diff(want, diag); diff != "" {
		t.Fatalf("diagnostic mismatch (-want +got):\n%s", diff)
	}
	if got := markup.Href(doc.ElementByID("dyno.logo")); got != url {
		t.Fatalf("expected raw url kept, got %q", got)
	}
}

func TestApplyChainedImageAddsHrefAndID(t *testing.T) {
	doc := mustParse(t, `<svg><defs><pattern id="p"><image width="10" height="10"/></pattern></defs><rect id="dyno.logo" fill="url(#p)"/></svg>`)
	target := fields.Resolve(doc, "dyno.logo")

	diag := New(nil).Apply(context.Background(), target, domain.TextValue("data:image/png;base64,AAA"))
	if diag.Kind != domain.DiagnosticApplied {
		t.Fatalf("expected applied, got %+v", diag)
	}
	want := `<image width="10" height="10" href="data:image/png;base64,AAA=" id="p-image" preserveAspectRatio="xMidYMid slice"/>`
	if got := markup.OuterXML(target.Image); got != want {
		t.Fatalf("unexpected image:\n got %s\nwant %s", got, want)
	}
}

func TestApplyInlineTruncation(t *testing.T) {
	doc := mustParse(t, `<svg><image id="dyno.logo" href="a.png"/></svg>`)
	s := New(nil, WithMaxPayload(8))

	diag := apply(t, s, doc, "dyno.logo", domain.TextValue("data:image/png;base64,AAAAAAAAAAAA"))
	if diag.Kind != domain.DiagnosticValueTruncated {
		t.Fatalf("expected truncation diagnostic, got %+v", diag)
	}
	if got := markup.Href(doc.ElementByID("dyno.logo")); got != "data:image/png;base64,AAAAAAAA" {
		t.Fatalf("unexpected href %q", got)
	}
}

func TestApplyInlineBytesUsesNormalizer(t *testing.T) {
	doc := mustParse(t, `<svg><image id="dyno.logo" href="a.png"/></svg>`)
	value := domain.ImageValue(domain.ImageRef{Kind: domain.SourceInline, Data: []byte{1, 2, 3}})
	apply(t, New(&fakeImages{}), doc, "dyno.logo", value)
	if got := markup.Href(doc.ElementByID("dyno.logo")); got != "data:image/jpeg;base64,Tk9STQ==" {
		t.Fatalf("unexpected href %q", got)
	}
}

func TestApplyLocalPathWithoutRootIsVerbatim(t *testing.T) {
	doc := mustParse(t, `<svg><image id="dyno.logo" href="a.png"/></svg>`)
	images := &fakeImages{}
	apply(t, New(images), doc, "dyno.logo", domain.TextValue("assets/logo.png"))
	if got := markup.Href(doc.ElementByID("dyno.logo")); got != "assets/logo.png" {
		t.Fatalf("unexpected href %q", got)
	}
	if images.calls != 0 {
		t.Fatalf("expected no load without a local root")
	}
}

const headshotTemplate = `<svg xmlns:xlink="http://www.w3.org/1999/xlink"><defs>` +
	`<pattern id="p0" patternTransform="matrix(1 0 0 1 5 5)"><use xlink:href="#img0"/></pattern>` +
	`<image id="img0" x="0" y="0" width="100" height="100" %s xlink:href="old.png"/></defs>` +
	`<rect id="dyno.agentHeadshot" fill="url(#p0)"/></svg>`

func TestApplyHeadshotCentersDivergentPortrait(t *testing.T) {
	doc := mustParse(t, strings.Replace(headshotTemplate, "%s", "", 1))
	images := &fakeImages{results: map[string]imagefetch.Result{
		"https://cdn.example.com/tall.jpg":   {DataURI: "data:image/jpeg;base64,VEFMTA==", SourceWidth: 50, SourceHeight: 100},
		"https://cdn.example.com/square.jpg": {DataURI: "data:image/jpeg;base64,U1FS", SourceWidth: 80, SourceHeight: 80},
	}}
	s := New(images)

	apply(t, s, doc, "dyno.agentHeadshot", domain.TextValue("https://cdn.example.com/tall.jpg"))
	pattern := doc.ElementByID("p0")
	if markup.HasAttr(pattern, "patternTransform") {
		t.Fatalf("expected fixed pattern transform removed")
	}
	image := doc.ElementByID("img0")
	if got := markup.Attr(image, "preserveAspectRatio"); got != "xMidYMid meet" {
		t.Fatalf("expected meet, got %q", got)
	}
	if got := markup.Attr(image, "transform"); got != "translate(50 50) scale(1.4142) translate(-50 -50)" {
		t.Fatalf("unexpected centering transform %q", got)
	}
	if got := markup.Attr(image, "xlink:href"); got != "data:image/jpeg;base64,VEFMTA==" {
		t.Fatalf("unexpected href %q", got)
	}

	apply(t, s, doc, "dyno.agentHeadshot", domain.TextValue("https://cdn.example.com/square.jpg"))
	if markup.HasAttr(image, "transform") || markup.HasAttr(image, centeredAttr) {
		t.Fatalf("expected centering cleared for matching aspect, got %s", markup.OuterXML(image))
	}
}

func TestApplyHeadshotKeepsExistingImageTransform(t *testing.T) {
	doc := mustParse(t, strings.Replace(headshotTemplate, "%s", `transform="rotate(5)"`, 1))
	images := &fakeImages{results: map[string]imagefetch.Result{
		"https://cdn.example.com/wide.jpg": {DataURI: "data:image/jpeg;base64,V0lERQ==", SourceWidth: 200, SourceHeight: 100},
	}}
	s := New(images)
	image := doc.ElementByID("img0")

	for i := 0; i < 2; i++ {
		apply(t, s, doc, "dyno.agentHeadshot", domain.TextValue("https://cdn.example.com/wide.jpg"))
		if got := markup.Attr(image, "transform"); got != "rotate(5) translate(50 50) scale(1.4142) translate(-50 -50)" {
			t.Fatalf("attempt %d: unexpected transform %q", i, got)
		}
	}

	apply(t, s, doc, "dyno.agentHeadshot", domain.TextValue("https://cdn.example.com/missing.jpg"))
	if got := markup.Attr(image, "transform"); got != "rotate(5)" {
		t.Fatalf("expected original transform restored, got %q", got)
	}
}

func TestApplyAddressWrap(t *testing.T) {
	doc := mustParse(t, `<svg><text id="dyno.propertyAddress"><tspan x="10" y="100">addr</tspan></text></svg>`)
	s := New(nil, WithAddressWrap(0, 0))
	long := domain.TextValue("1234 Market Street, San Francisco, CA 94103")

	want := `<svg><text id="dyno.propertyAddress"><tspan x="10" y="100">1234 Market Street,</tspan>` +
		`<tspan x="10" y="135" data-dyno-continuation="dyno.propertyAddress">San Francisco, CA 94103</tspan></text></svg>`
	for i := 0; i < 2; i++ {
		apply(t, s, doc, "dyno.propertyAddress", long)
		if got := doc.String(); got != want {
			t.Fatalf("attempt %d:\n got %s\nwant %s", i, got, want)
		}
	}

	apply(t, s, doc, "dyno.propertyAddress", domain.TextValue("1 Main St"))
	if got := doc.String(); got != `<svg><text id="dyno.propertyAddress"><tspan x="10" y="100">1 Main St</tspan></text></svg>` {
		t.Fatalf("expected continuation removed, got %s", got)
	}
}

func TestStripBookkeeping(t *testing.T) {
	doc := mustParse(t, `<svg><text id="dyno.propertyAddress"><tspan x="10" y="100">addr</tspan></text></svg>`)
	s := New(nil, WithAddressWrap(0, 0))
	apply(t, s, doc, "dyno.propertyAddress", domain.TextValue("1234 Market Street, San Francisco, CA 94103"))

	if n := s.StripBookkeeping(doc); n != 1 {
		t.Fatalf("expected one attribute removed, got %d", n)
	}
	want := `<svg><text id="dyno.propertyAddress"><tspan x="10" y="100">1234 Market Street,</tspan>` +
		`<tspan x="10" y="135">San Francisco, CA 94103</tspan></text></svg>`
	if got := doc.String(); got != want {
		t.Fatalf("unexpected output:\n got %s\nwant %s", got, want)
	}
}

func TestAddressWrapDisabledByDefault(t *testing.T) {
	doc := mustParse(t, `<svg><text id="dyno.propertyAddress"><tspan x="10" y="100">addr</tspan></text></svg>`)
	value := "1234 Market Street, San Francisco, CA 94103"
	apply(t, New(nil), doc, "dyno.propertyAddress", domain.TextValue(value))
	if got := markup.Text(doc.ElementByID("dyno.propertyAddress").FirstChild); got != value {
		t.Fatalf("expected whole value in first run, got %q", got)
	}
}

func TestWrapAddress(t *testing.T) {
	cases := []struct {
		in, first, second string
	}{
		{in: "12 Oak St", first: "12 Oak St"},
		{in: "Supercalifragilisticexpialidocious-Boulevard", first: "Supercalifragilisticexpialidocious-Boulevard"},
		{in: "1234 Market Street, San Francisco, CA 94103", first: "1234 Market Street,", second: "San Francisco, CA 94103"},
		{in: "Twelve Thousand Four Hundred Fifty Oak Boulevard", first: "Twelve Thousand Four", second: "Hundred Fifty Oak Boulevard"},
	}
	for _, tc := range cases {
		first, second := WrapAddress(tc.in, DefaultWrapWidth)
		if first != tc.first || second != tc.second {
			t.Fatalf("WrapAddress(%q) = %q, %q; want %q, %q", tc.in, first, second, tc.first, tc.second)
		}
	}
}

func TestReplacePlaceholders(t *testing.T) {
	doc := mustParse(t, `<svg><text>Call {{ dyno.phone }} or {dyno.phone}; {dyno.other}</text></svg>`)
	n := New(nil).ReplacePlaceholders(doc, "dyno.phone", "555 & co")
	if n != 2 {
		t.Fatalf("expected 2 replacements, got %d", n)
	}
	want := `<svg><text>Call 555 &amp; co or 555 &amp; co; {dyno.other}</text></svg>`
	if got := doc.String(); got != want {
		t.Fatalf("unexpected output %s", got)
	}
}

func TestInjectFonts(t *testing.T) {
	doc := mustParse(t, `<svg><text font-family="Inter, sans-serif">x</text></svg>`)
	s := New(nil, WithFontImports(DefaultFonts...))

	if n := s.InjectFonts(doc); n != 1 {
		t.Fatalf("expected one import, got %d", n)
	}
	want := `<svg><defs><style>@import url('https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700&amp;display=swap');</style></defs>`
	if got := doc.String(); !strings.HasPrefix(got, want) {
		t.Fatalf("unexpected output %s", got)
	}
	if n := s.InjectFonts(doc); n != 0 {
		t.Fatalf("expected injection to be idempotent, got %d", n)
	}
}

func TestPrepareText(t *testing.T) {
	if got := New(nil).PrepareText("Cafe\u0301\x01"); got != "Caf\u00e9" {
		t.Fatalf("expected NFC without control chars, got %q", got)
	}
	if got := New(nil, WithMarkupStripping()).PrepareText("<b>Smith & Sons</b>"); got != "Smith & Sons" {
		t.Fatalf("expected markup stripped, got %q", got)
	}
}
