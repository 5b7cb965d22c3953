package scoring

import "strings"

// NormalizeTag canonicalizes a capability tag so that platform labels
// ("Node.JS ", "node.js") and locally registered capabilities compare equal.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// TagSet is a normalized capability tag set.
type TagSet map[string]struct{}

func NewTagSet(tags ...[]string) TagSet {
	s := TagSet{}
	for _, group := range tags {
		for _, t := range group {
			if n := NormalizeTag(t); n != "" {
				s[n] = struct{}{}
			}
		}
	}
	return s
}

func (s TagSet) Has(tag string) bool {
	_, ok := s[NormalizeTag(tag)]
	return ok
}

// Overlap returns how many of the given tags are present in the set.
func (s TagSet) Overlap(tags []string) int {
	n := 0
	for _, t := range tags {
		if s.Has(t) {
			n++
		}
	}
	return n
}
