package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// ParseFailure describes why model output was rejected. It unwraps to
// domain.ErrParseError and keeps the raw text for auditing.
type ParseFailure struct {
	Kind       string
	Violations []string
	Raw        string
}

func (e *ParseFailure) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("%s output rejected", e.Kind)
	}
	return fmt.Sprintf("%s output rejected: %s", e.Kind, strings.Join(e.Violations, "; "))
}

func (e *ParseFailure) Unwrap() error { return domain.ErrParseError }

type researchEnvelope struct {
	Ideas []domain.IdeaDraft `json:"ideas"`
}

type deepeningEnvelope struct {
	Deepening domain.DeepeningContent `json:"deepening"`
}

// ResponseParser turns raw model text into validated, typed documents.
// Preprocessing is permissive (fence stripping via ResponseCleaner);
// validation is strict against the task schema.
type ResponseParser struct {
	cleaner *ResponseCleaner
}

// NewResponseParser creates a parser with a default cleaner.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{cleaner: NewResponseCleaner()}
}

// ParseResearch validates raw model text against the research schema and
// returns the idea drafts in wire order.
func (p *ResponseParser) ParseResearch(raw string) ([]domain.IdeaDraft, error) {
	cleaned, err := p.validate(raw, "research", researchSchema)
	if err != nil {
		return nil, err
	}
	var env researchEnvelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return nil, &ParseFailure{Kind: "research", Violations: []string{err.Error()}, Raw: raw}
	}
	return env.Ideas, nil
}

// ParseDeepening validates raw model text against the deepening schema.
func (p *ResponseParser) ParseDeepening(raw string) (domain.DeepeningContent, error) {
	cleaned, err := p.validate(raw, "deepening", deepeningSchema)
	if err != nil {
		return domain.DeepeningContent{}, err
	}
	var env deepeningEnvelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return domain.DeepeningContent{}, &ParseFailure{Kind: "deepening", Violations: []string{err.Error()}, Raw: raw}
	}
	return env.Deepening, nil
}

func (p *ResponseParser) validate(raw, kind string, schema *jsonschema.Schema) (string, error) {
	cleaned := p.cleaner.Clean(raw)
	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return "", &ParseFailure{Kind: kind, Violations: []string{"not valid JSON: " + err.Error()}, Raw: raw}
	}
	if err := schema.Validate(doc); err != nil {
		return "", &ParseFailure{Kind: kind, Violations: schemaViolations(err), Raw: raw}
	}
	return cleaned, nil
}

// schemaViolations flattens a jsonschema validation error into its leaf
// messages, each prefixed with the offending instance location.
func schemaViolations(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+v.Message)
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
