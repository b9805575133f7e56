package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision_SchemaRejectsWrongFieldType(t *testing.T) {
	raw := `{"finish_status":"continue","cli":{"prompt":"run tests"},"agents":"not-a-list"}`
	_, err := ParseDecision(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision failed schema validation")
}

func TestParseDecision_SchemaAcceptsLegacyAndNewShapes(t *testing.T) {
	for _, raw := range []string{
		`{"finish_status":"finish_success","current":"done"}`,
		`{"status":"finish_success","summary":"done"}`,
	} {
		_, err := ParseDecision(raw)
		require.NoError(t, err, "raw=%s", raw)
	}
}

func TestClassifyRecoverableError_SchemaFailureIsRecoverable(t *testing.T) {
	_, err := ParseDecision(`{"agents": 5}`)
	require.Error(t, err)

	info, ok := ClassifyRecoverableError(err)
	require.True(t, ok)
	assert.Contains(t, info.Summary, "schema validation")
}
