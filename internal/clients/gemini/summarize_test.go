package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSummary(t *testing.T) {
	out, err := validateSummary(Summary{
		Summary:    "  概要テキスト  ",
		KeyPoints:  []string{" a ", "", "b", "c", "d", "e", "f"},
		Confidence: "high",
		SafeToUse:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "概要テキスト", out.Summary)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, out.KeyPoints, "key points capped at five")
	assert.Equal(t, "high", out.Confidence)
	assert.True(t, out.SafeToUse)
}

func TestValidateSummaryDefaultsConfidence(t *testing.T) {
	out, err := validateSummary(Summary{Summary: "s", Confidence: "very high"})
	require.NoError(t, err)
	assert.Equal(t, "low", out.Confidence)
}

func TestValidateSummaryRequiresSummary(t *testing.T) {
	_, err := validateSummary(Summary{Summary: "   "})
	require.Error(t, err)
}
