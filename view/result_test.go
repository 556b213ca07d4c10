package view

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResultQuery(t *testing.T) {
	q, err := NewResultQuery("  ")
	require.NoError(t, err)
	assert.Nil(t, q)
	assert.Equal(t, "", q.String())

	_, err = NewResultQuery("alerts[?")
	assert.Error(t, err)
}

func TestResultQueryApply(t *testing.T) {
	raw := json.RawMessage(`{"alerts":[{"cve":"CVE-2024-1","severity":"critical"},{"cve":"CVE-2024-2","severity":"low"}]}`)

	tests := []struct {
		name string
		expr string
		want string
	}{
		{name: "no query", expr: "", want: string(raw)},
		{name: "projection", expr: "alerts[].cve", want: `["CVE-2024-1","CVE-2024-2"]`},
		{name: "filter", expr: "alerts[?severity=='critical'].cve | [0]", want: `"CVE-2024-1"`},
		{name: "missing", expr: "reports", want: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewResultQuery(tt.expr)
			require.NoError(t, err)

			got, err := q.Apply(raw)
			require.NoError(t, err)

			encoded, err := json.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(encoded))
		})
	}
}

func TestResultQueryApplyInvalidJSON(t *testing.T) {
	_, err := (*ResultQuery)(nil).Apply(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestFormatResult(t *testing.T) {
	s, err := FormatResult("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", s)

	s, err = FormatResult(map[string]any{"a": 1.0})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}", s)
}
