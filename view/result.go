package view

import (
	"encoding/json"
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
)

// ResultQuery is a validated JMESPath expression applied to task results.
// A nil *ResultQuery passes results through unchanged.
type ResultQuery struct {
	expr string
}

// NewResultQuery validates expr. An empty expression yields nil.
func NewResultQuery(expr string) (*ResultQuery, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if _, err := jmespath.Compile(expr); err != nil {
		return nil, fmt.Errorf("invalid result query %q: %w", expr, err)
	}
	return &ResultQuery{expr: expr}, nil
}

// String returns the expression
func (q *ResultQuery) String() string {
	if q == nil {
		return ""
	}
	return q.expr
}

// Apply decodes raw and evaluates the query against it
func (q *ResultQuery) Apply(raw json.RawMessage) (any, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if q == nil {
		return data, nil
	}
	return jmespath.Search(q.expr, data)
}

// FormatResult renders a query result for the terminal: strings as-is,
// everything else as indented JSON
func FormatResult(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
