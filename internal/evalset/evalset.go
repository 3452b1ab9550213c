// Package evalset loads the evaluation query set and builds the prompts
// submitted to models.
package evalset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/linkedmusic/sparqleval/pkg/models"
)

// Load reads the JSON query set. Entries keep file order; ids must be
// unique since they key the whole reconciliation pass.
func Load(path string) ([]models.Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evalset: read %s: %w", path, err)
	}
	var queries []models.Query
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, fmt.Errorf("evalset: parse %s: %w", path, err)
	}
	seen := make(map[string]bool, len(queries))
	for _, q := range queries {
		if q.ID == "" {
			return nil, fmt.Errorf("evalset: entry with empty id")
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("evalset: duplicate query id %q", q.ID)
		}
		seen[q.ID] = true
	}
	return queries, nil
}

// FilterByDatabase keeps queries whose target databases contain the given
// name. An empty filter returns the input unchanged.
func FilterByDatabase(queries []models.Query, db string) []models.Query {
	if db == "" {
		return queries
	}
	var out []models.Query
	for _, q := range queries {
		if strings.Contains(q.TargetDatabases, db) {
			out = append(out, q)
		}
	}
	return out
}

// ByID indexes a query set by id.
func ByID(queries []models.Query) map[string]models.Query {
	m := make(map[string]models.Query, len(queries))
	for _, q := range queries {
		m[q.ID] = q
	}
	return m
}
