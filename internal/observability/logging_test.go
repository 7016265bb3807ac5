package observability_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"StableLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	root := observability.NewLoggerTo(&buf, "stableledger", zerolog.InfoLevel)
	engineLog := observability.ComponentLogger(root, "engine")

	opLog := observability.OperationLogger(engineLog, "mint", "op-7")
	opLog.Info().
		Int64(observability.FieldSequence, 3).
		Msg("operation committed")
	engineLog.Debug().Msg("dropped below level")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, 1, strings.Count(lines[0], `"component"`))

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "stableledger", rec[observability.FieldService])
	assert.Equal(t, "engine", rec[observability.FieldComponent])
	assert.Equal(t, "mint", rec[observability.FieldOp])
	assert.Equal(t, "op-7", rec[observability.FieldOpID])
	assert.Equal(t, float64(3), rec[observability.FieldSequence])
	assert.Contains(t, rec, "time")
}
