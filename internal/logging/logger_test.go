package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/backend/internal/correlation"
)

func TestLoggerEmitsOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)

	ctx := correlation.WithID(context.Background(), "corr-42")
	l.Info(ctx, "webhook accepted", map[string]interface{}{"source": "zapier"})

	var rec Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "info", rec.Level)
	assert.Equal(t, "gateway", rec.Service)
	assert.Equal(t, "webhook accepted", rec.Message)
	assert.Equal(t, "corr-42", rec.CorrelationID)
	assert.Equal(t, "zapier", rec.Context["source"])
	assert.NotEmpty(t, rec.Timestamp)
}

func TestLoggerRedactsMessageAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)

	l.Warn(context.Background(), "rejected request from user a@b.io", map[string]interface{}{
		"api_key": "sk-live-abcdef",
	})

	var rec Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec.Message, "a@b.io")
	assert.Equal(t, DefaultMaskToken, rec.Context["api_key"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)

	l.Debug(context.Background(), "noisy detail", nil)
	assert.Zero(t, buf.Len())

	l.SetLevel(LevelDebug)
	l.Debug(context.Background(), "now visible", nil)
	assert.NotZero(t, buf.Len())
}
