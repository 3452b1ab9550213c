package evalset

import (
	"fmt"
	"os"
	"strings"

	"github.com/linkedmusic/sparqleval/pkg/models"
)

// placeholderQuestion is the example question inside the prompt template
// that gets swapped for the actual natural-language query.
const placeholderQuestion = "Find all compositions in DIAMM that are composed by Guillaume de Machaut"

// fallbackTemplate is used when no system prompt file is configured.
const fallbackTemplate = `I have a graph database containing musical linked data.
Please write me a SPARQL query to perform the following query:
` + placeholderQuestion + `
Answer with the query only, inside a ` + "```sparql```" + ` code block.`

// PromptBuilder turns queries into submission-ready prompts. The template
// and ontology are read once; building is pure after that.
type PromptBuilder struct {
	template string
	ontology string
}

// NewPromptBuilder loads the template file (or the builtin fallback when
// path is empty or missing) and captures the ontology text.
func NewPromptBuilder(templatePath, ontology string) (*PromptBuilder, error) {
	template := fallbackTemplate
	if templatePath != "" {
		data, err := os.ReadFile(templatePath)
		if err == nil {
			template = string(data)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("evalset: read prompt template: %w", err)
		}
	}
	return &PromptBuilder{template: template, ontology: ontology}, nil
}

// System builds the system prompt for one natural-language question:
// the template with the placeholder question replaced (or the question
// appended when the template carries no placeholder), ontology at the end.
func (b *PromptBuilder) System(question string) string {
	prompt := b.template
	if strings.Contains(prompt, placeholderQuestion) {
		prompt = strings.Replace(prompt, placeholderQuestion, question, 1)
	} else {
		prompt += fmt.Sprintf("\n\nPlease write a SPARQL query for: %s", question)
	}
	if b.ontology != "" {
		prompt += fmt.Sprintf("\n\nOntology Definitions:\n%s", b.ontology)
	}
	return prompt
}

// Payloads builds one PromptPayload per query, in query-set order.
func (b *PromptBuilder) Payloads(queries []models.Query) []models.PromptPayload {
	out := make([]models.PromptPayload, 0, len(queries))
	for _, q := range queries {
		out = append(out, models.PromptPayload{
			ID:     q.ID,
			System: b.System(q.Text),
			User:   q.Text,
		})
	}
	return out
}
