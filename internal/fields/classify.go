package fields

import (
	"strings"

	"github.com/dynofield/api/internal/domain"
)

var classificationRules = []struct {
	class    domain.FieldClassification
	keywords []string
}{
	{class: domain.ClassHeadshot, keywords: []string{"headshot", "agent"}},
	{class: domain.ClassPropertyPhoto, keywords: []string{"property", "image", "photo"}},
	{class: domain.ClassLogo, keywords: []string{"logo"}},
}

// Classify infers the semantic kind of a field from its name. Rules are
// case-insensitive substring matches and the first matching rule wins.
func Classify(field string) domain.FieldClassification {
	lower := strings.ToLower(field)
	for _, rule := range classificationRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return rule.class
			}
		}
	}
	return domain.ClassGenericText
}

// AspectRatio returns the preserveAspectRatio value for images of the class.
func AspectRatio(class domain.FieldClassification) string {
	if class == domain.ClassHeadshot {
		return "xMidYMid meet"
	}
	return "xMidYMid slice"
}

// NeedsCentering reports whether the class gets a corrective centering
// transform when the source aspect ratio diverges from its frame.
func NeedsCentering(class domain.FieldClassification) bool {
	return class == domain.ClassHeadshot
}
