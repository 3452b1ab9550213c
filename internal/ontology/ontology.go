// Package ontology loads RDF ontology files and combines multiple Turtle
// sources into one prompt-ready document.
package ontology

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Load returns the ontology file content, or the empty string when the
// file is absent — prompts degrade gracefully without an ontology.
func Load(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ontology: read %s: %w", path, err)
	}
	return string(data), nil
}

// prefixPattern matches Turtle prefix declarations: @prefix name: <url> .
var prefixPattern = regexp.MustCompile(`@prefix\s+([\w-]+):\s+<([^>]+)>\s*\.`)

// Combine merges the .ttl files under dir into a single document at out:
// all @prefix declarations hoisted and deduplicated into a sorted header,
// file bodies concatenated under source headers in filename order, so the
// output is deterministic for unchanged inputs. Files named in ignore are
// skipped (the output file itself should always be).
func Combine(dir, out string, ignore []string) error {
	entries, err := filepath.Glob(filepath.Join(dir, "*.ttl"))
	if err != nil {
		return fmt.Errorf("ontology: glob %s: %w", dir, err)
	}
	sort.Strings(entries)

	skip := make(map[string]bool, len(ignore)+1)
	for _, name := range ignore {
		skip[name] = true
	}
	skip[filepath.Base(out)] = true

	prefixes := map[string]string{}
	var body strings.Builder

	for _, path := range entries {
		name := filepath.Base(path)
		if skip[name] {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("ontology: read %s: %w", path, err)
		}

		if body.Len() > 0 {
			body.WriteString("\n")
		}
		fmt.Fprintf(&body, "# --- Source: %s ---\n\n", name)

		blank := true // swallow leading blank lines per file
		for _, line := range strings.Split(string(data), "\n") {
			stripped := strings.TrimSpace(line)
			if m := prefixPattern.FindStringSubmatch(stripped); m != nil {
				prefixes[m[1]] = m[2]
				continue
			}
			if stripped == "" {
				if blank {
					continue
				}
				blank = true
				body.WriteString("\n")
				continue
			}
			blank = false
			body.WriteString(line)
			body.WriteString("\n")
		}
	}

	var doc strings.Builder
	doc.WriteString("# --- Prefixes ---\n")
	names := make([]string, 0, len(prefixes))
	for name := range prefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&doc, "@prefix %s:\t<%s> .\n", name, prefixes[name])
	}
	doc.WriteString("\n# --- Ontology Definitions ---\n\n")
	doc.WriteString(body.String())

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("ontology: create output dir: %w", err)
	}
	if err := os.WriteFile(out, []byte(doc.String()), 0o644); err != nil {
		return fmt.Errorf("ontology: write %s: %w", out, err)
	}
	return nil
}
