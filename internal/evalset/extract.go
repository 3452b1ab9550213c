package evalset

import (
	"regexp"
	"strings"
)

var (
	sparqlFence  = regexp.MustCompile("(?is)```sparql(.*?)```")
	genericFence = regexp.MustCompile("(?s)```(.*?)```")
)

// ExtractSPARQL pulls the SPARQL query out of a raw model response.
// Preference order: a ```sparql fenced block, any fenced block, then the
// whole trimmed response (models sometimes answer with bare SPARQL).
func ExtractSPARQL(raw string) string {
	if m := sparqlFence.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := genericFence.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}
