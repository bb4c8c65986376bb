package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Output: &buf})

	l.With(String("grid", "z0")).Info("built grid", Int("nodes", 25), Float("delta", 100))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "built grid", rec["msg"])
	assert.Equal(t, "z0", rec["grid"])
	assert.EqualValues(t, 25, rec["nodes"])
	assert.EqualValues(t, 100, rec["delta"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestOrNoop(t *testing.T) {
	l := OrNoop(nil)
	require.NotNil(t, l)
	// must not panic
	l.With(Err(nil)).Error("dropped")
}
