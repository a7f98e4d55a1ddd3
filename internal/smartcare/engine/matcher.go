package engine

import (
	"strings"

	"github.com/blueplan/smartcare-go/internal/smartcare/catalog"
)

// CategoryMatcher infers the first-level category a reply talks about.
type CategoryMatcher interface {
	Match(reply string, cat *catalog.Catalog) (string, bool)
}

// SubstringMatcher picks the first catalog category whose name occurs literally in the reply.
// Short category names can match unrelated text.
type SubstringMatcher struct{}

func (SubstringMatcher) Match(reply string, cat *catalog.Catalog) (string, bool) {
	for _, name := range cat.Categories() {
		if name != "" && strings.Contains(reply, name) {
			return name, true
		}
	}
	return "", false
}

// MatcherFunc adapts a function to CategoryMatcher.
type MatcherFunc func(reply string, cat *catalog.Catalog) (string, bool)

func (f MatcherFunc) Match(reply string, cat *catalog.Catalog) (string, bool) { return f(reply, cat) }
