// Package references pulls cited URLs and simple counts out of generated text.
package references

import (
	"regexp"
	"strings"
)

var (
	markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	bareURL      = regexp.MustCompile(`https?://[^\s\)]+`)
)

// Extract returns the http(s) URLs cited in text, from markdown links and bare
// URLs, deduplicated in first-seen order.
func Extract(text string) []string {
	seen := make(map[string]bool)
	out := []string{}
	add := func(u string) {
		u = strings.TrimRight(u, ".,;:\"'")
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	for _, m := range markdownLink.FindAllStringSubmatch(text, -1) {
		if strings.HasPrefix(m[2], "http") {
			add(m[2])
		}
	}
	for _, u := range bareURL.FindAllString(text, -1) {
		add(u)
	}
	return out
}

// CountLinks counts markdown links only.
func CountLinks(text string) int {
	return len(markdownLink.FindAllStringIndex(text, -1))
}

// CountWords counts whitespace-separated fields.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
