package substitute

import (
	"strings"

	"github.com/dynofield/api/internal/markup"
)

// Font is a web font that can be imported into a document stylesheet.
type Font struct {
	Family    string
	ImportURL string
}

// DefaultFonts are the families templates are authored with.
var DefaultFonts = []Font{
	{Family: "Inter", ImportURL: "https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700&display=swap"},
	{Family: "Montserrat", ImportURL: "https://fonts.googleapis.com/css2?family=Montserrat:wght@300;400;500;600;700&display=swap"},
}

// InjectFonts adds an @import rule to the document's defs for every configured
// font the document uses and does not already import. It returns the number of
// imports added.
func (s *Substitutor) InjectFonts(doc *markup.Document) int {
	if doc == nil || len(s.fonts) == 0 {
		return 0
	}
	root := doc.Root()
	if root == nil {
		return 0
	}

	var families, stylesheets strings.Builder
	doc.Walk(func(n *markup.Node) bool {
		if family := markup.Presentation(n, "font-family"); family != "" {
			families.WriteString(strings.ToLower(family))
			families.WriteByte(';')
		}
		if markup.IsElement(n, "style") {
			css := markup.Text(n)
			stylesheets.WriteString(css)
			families.WriteString(strings.ToLower(css))
		}
		return true
	})

	var rules []string
	for _, font := range s.fonts {
		if !strings.Contains(families.String(), strings.ToLower(font.Family)) {
			continue
		}
		if strings.Contains(stylesheets.String(), font.ImportURL) {
			continue
		}
		rules = append(rules, "@import url('"+font.ImportURL+"');")
	}
	if len(rules) == 0 {
		return 0
	}

	defs := markup.FirstChildElement(root, "defs")
	if defs == nil {
		defs = markup.NewElement("defs", root)
		markup.PrependChild(root, defs)
	}
	style := markup.NewElement("style", root)
	markup.SetText(style, strings.Join(rules, "\n"))
	markup.PrependChild(defs, style)
	return len(rules)
}
