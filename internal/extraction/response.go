package extraction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

const defaultClauseType = "general"

type responseEnvelope struct {
	Clauses *[]responseClause `json:"clauses"`
}

type responseClause struct {
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Explanation string    `json:"explanation"`
	Conditions  *[]string `json:"conditions"`
	Exceptions  *[]string `json:"exceptions"`
	References  []string  `json:"references"`
	Keywords    []string  `json:"keywords"`
}

// ExciseJSON returns the text between the first '{' and the last '}' inclusive.
func ExciseJSON(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", false
	}
	return raw[start : end+1], true
}

// ParseResponse validates model output against the clause schema. Either every
// clause is valid and returned, or the whole response is rejected.
func ParseResponse(raw string) ([]crawler.Candidate, error) {
	body, ok := ExciseJSON(raw)
	if !ok {
		return nil, fmt.Errorf("%w: no json object", crawler.ErrMalformedResponse)
	}
	var env responseEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", crawler.ErrMalformedResponse, err)
	}
	if env.Clauses == nil {
		return nil, fmt.Errorf("%w: missing clauses array", crawler.ErrMalformedResponse)
	}
	out := make([]crawler.Candidate, 0, len(*env.Clauses))
	for i, c := range *env.Clauses {
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("%w: clause %d: %v", crawler.ErrMalformedResponse, i, err)
		}
		typ := strings.TrimSpace(c.Type)
		if typ == "" {
			typ = defaultClauseType
		}
		out = append(out, crawler.Candidate{
			Type:        typ,
			Title:       strings.TrimSpace(c.Title),
			Text:        strings.TrimSpace(c.Text),
			Explanation: strings.TrimSpace(c.Explanation),
			Conditions:  *c.Conditions,
			Exceptions:  *c.Exceptions,
			References:  c.References,
			Keywords:    c.Keywords,
		})
	}
	return out, nil
}

func (c responseClause) validate() error {
	switch {
	case strings.TrimSpace(c.Title) == "":
		return fmt.Errorf("title is required")
	case strings.TrimSpace(c.Text) == "":
		return fmt.Errorf("text is required")
	case strings.TrimSpace(c.Explanation) == "":
		return fmt.Errorf("explanation is required")
	case c.Conditions == nil:
		return fmt.Errorf("conditions is required")
	case c.Exceptions == nil:
		return fmt.Errorf("exceptions is required")
	}
	return nil
}
