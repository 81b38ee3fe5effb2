package sanitize

import (
	"encoding/xml"
	"io"
	"strings"
	"testing"

	"github.com/antchfx/xmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(raw string) error {
	dec := xml.NewDecoder(strings.NewReader(raw))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func TestSanitizeRepairsVoidAndAmpersand(t *testing.T) {
	raw := `<svg xmlns="http://www.w3.org/2000/svg"><text id="t">Smith & Sons</text><image id="img" href="a.png"></svg>`

	res := New().Sanitize(raw)

	want := `<svg xmlns="http://www.w3.org/2000/svg"><text id="t">Smith &amp; Sons</text><image id="img" href="a.png"/></svg>`
	require.Equal(t, want, res.Markup)
	require.True(t, res.Report.Valid())
	assert.Equal(t, TierRepaired, res.Report.Tier)
	assert.Equal(t, 1, res.Report.AmpersandsEscaped)
	assert.Equal(t, 1, res.Report.ElementsSelfClosed)

	// Two independent well-formedness checks.
	require.NoError(t, decodeAll(res.Markup))
	_, err := xmlquery.Parse(strings.NewReader(res.Markup))
	require.NoError(t, err)
}

func TestSanitizeStableOnWellFormedInput(t *testing.T) {
	inputs := []string{
		`<svg><g id="a"><rect x="1"/></g>` + "\n" + `<text>hi  there</text></svg>`,
		`<?xml version="1.0" encoding="UTF-8"?>` + "\n" + `<svg xmlns="http://www.w3.org/2000/svg"><!-- note --><defs><pattern id="p"><image href="data:image/png;base64,iVBORw=="/></pattern></defs><rect fill="url(#p)"/></svg>`,
		`<svg><text x='1'>A &amp; B &#169; &lt;</text><style><![CDATA[a > b {}]]></style></svg>`,
	}
	for _, raw := range inputs {
		res := New().Sanitize(raw)
		require.Equal(t, raw, res.Markup)
		assert.Equal(t, TierClean, res.Report.Tier)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"<svg>\x01<text>a & b</text>\n\n   <image href=\"x\"><rect></svg>",
		`<svg><g><image href="a"></g></image></svg>`,
		`<svg><g><text>hi</g></svg>`,
		`<svg width=10 height="20"   ><circle r="1" ></svg>`,
	}
	for _, raw := range inputs {
		first := Sanitize(raw)
		second := Sanitize(first)
		require.Equal(t, first, second, "input %q", raw)
	}
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	res := New().Sanitize("<svg><text>a\x01b\x1fc\x7f</text>\t\n</svg>")
	require.Equal(t, "<svg><text>abc</text>\n</svg>", res.Markup)
	assert.Equal(t, 3, res.Report.ControlCharsRemoved)
}

func TestSanitizeNormalizesBase64Payload(t *testing.T) {
	raw := "<svg><image href=\"data:image/png;base64,iVBO&RK\nggg\"/></svg>"
	res := New().Sanitize(raw)
	require.Equal(t, `<svg><image href="data:image/png;base64,iVBORKgg"/></svg>`, res.Markup)
	assert.Equal(t, 0, res.Report.AmpersandsEscaped)
	assert.Equal(t, 1, res.Report.PayloadsRepaired)
}

func TestSanitizeTruncatesOversizedPayload(t *testing.T) {
	raw := `<svg><image href="data:image/jpeg;base64,AAAAAAAAAAAA"/></svg>`
	res := New(WithMaxPayload(8)).Sanitize(raw)
	require.Equal(t, `<svg><image href="data:image/jpeg;base64,AAAAAAAA"/></svg>`, res.Markup)
	assert.Equal(t, 1, res.Report.PayloadsTruncated)
	assert.True(t, res.Report.Lossy())
}

func TestSanitizeEscalatesToImageRemoval(t *testing.T) {
	res := New().Sanitize(`<svg><g><image href="a"></g></image></svg>`)
	require.Equal(t, `<svg><g></g></svg>`, res.Markup)
	assert.Equal(t, TierStripImages, res.Report.Tier)
	assert.Equal(t, []string{"image", "</image>"}, res.Report.ElementsRemoved)
	require.True(t, res.Report.Valid())
}

func TestSanitizeBalancesUnclosedElements(t *testing.T) {
	res := New().Sanitize(`<svg><g><text>hi</g></svg>`)
	require.Equal(t, `<svg><g><text>hi</text></g></svg>`, res.Markup)
	assert.Equal(t, TierStripVoids, res.Report.Tier)
	require.True(t, res.Report.Valid())
}

func TestSanitizeEscapesStrayLessThan(t *testing.T) {
	res := New().Sanitize(`<svg><text>a < b</text></svg>`)
	require.Equal(t, `<svg><text>a &lt; b</text></svg>`, res.Markup)
}

func TestSanitizeReportsFailure(t *testing.T) {
	res := New().Sanitize(`just text`)
	assert.False(t, res.Report.Valid())
	assert.Equal(t, TierFailed, res.Report.Tier)
}

func TestSanitizeKeepsMatchedVoidCapableElements(t *testing.T) {
	raw := `<svg><rect width="2"><animate attributeName="x"/></rect></svg>`
	res := New().Sanitize(raw)
	require.Equal(t, raw, res.Markup)
}

func TestNormalizeBase64(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "QUJD", want: "QUJD"},
		{in: "QUI", want: "QUI="},
		{in: "QU", want: "QU=="},
		{in: "QUJDR", want: "QUJD"},
		{in: "Q U\nJ*D==", want: "QUJD"},
	}
	for _, tc := range cases {
		got, truncated := NormalizeBase64(tc.in, DefaultMaxPayload)
		if got != tc.want || truncated {
			t.Fatalf("NormalizeBase64(%q) = %q, %v; want %q", tc.in, got, truncated, tc.want)
		}
	}
}

func TestNormalizeDataURI(t *testing.T) {
	got, truncated := NormalizeDataURI("data:image/png;base64,QU", 0)
	if got != "data:image/png;base64,QU==" || truncated {
		t.Fatalf("unexpected %q %v", got, truncated)
	}
	plain := "https://example.com/a.png"
	if got, _ := NormalizeDataURI(plain, 0); got != plain {
		t.Fatalf("expected URL unchanged, got %q", got)
	}
}

func TestEscapeAmpersands(t *testing.T) {
	got, n := escapeAmpersands("a & b &amp; &#38; &#x26; &nbsp; &#0;")
	want := "a &amp; b &amp; &#38; &#x26; &amp;nbsp; &amp;#0;"
	if got != want || n != 3 {
		t.Fatalf("expected %q (3), got %q (%d)", want, got, n)
	}
}
