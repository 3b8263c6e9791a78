package proxy

import (
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// Blocklist matches request URLs against a set of substrings in one pass.
type Blocklist struct {
	patterns []string
	trie     *ahocorasick.Trie
}

// NewBlocklist compiles patterns. Empty patterns are ignored; nil means nothing is blocked.
func NewBlocklist(patterns []string) *Blocklist {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return &Blocklist{
		patterns: cleaned,
		trie:     ahocorasick.NewTrieBuilder().AddStrings(cleaned).Build(),
	}
}

// Match returns the first pattern contained in url, case-insensitively.
func (b *Blocklist) Match(url string) (string, bool) {
	if b == nil {
		return "", false
	}
	matches := b.trie.MatchString(strings.ToLower(url))
	if len(matches) == 0 {
		return "", false
	}
	idx := int(matches[0].Pattern())
	if idx < 0 || idx >= len(b.patterns) {
		return "", true
	}
	return b.patterns[idx], true
}
