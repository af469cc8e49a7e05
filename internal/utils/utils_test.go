package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLoggerFromZap(zap.New(core))

	logger.Warn("scene heading without number", map[string]interface{}{
		"page":  3,
		"cause": errors.New("untagged"),
	})
	logger.With(map[string]interface{}{"unit_id": "ep-1"}).Infof("segmented %d scenes", 4)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, int64(3), entries[0].ContextMap()["page"])
	assert.Equal(t, "untagged", entries[0].ContextMap()["cause"])
	assert.Equal(t, "segmented 4 scenes", entries[1].Message)
	assert.Equal(t, "ep-1", entries[1].ContextMap()["unit_id"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("ignored", nil)
	logger.SetLogLevel(DEBUG)
	assert.Nil(t, logger.With(map[string]interface{}{"a": 1}))
	assert.NoError(t, logger.Sync())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("DEBUG"))
	assert.Equal(t, WARNING, ParseLogLevel("warn"))
	assert.Equal(t, ERROR, ParseLogLevel(" error "))
	assert.Equal(t, INFO, ParseLogLevel("verbose"))
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()
	m.IncrementCounter("breakdown.runs")
	m.AddCounter("breakdown.runs", 2)
	m.RecordHistogram("breakdown.duration_ms", 40)
	m.RecordHistogram("breakdown.duration_ms", 10)
	m.SetGauge("breakdown.in_flight", 3)
	m.DecGauge("breakdown.in_flight")

	assert.Equal(t, int64(3), m.GetCounterValue("breakdown.runs"))
	assert.Equal(t, int64(2), m.GetGauge("breakdown.in_flight"))

	snapshot := m.GetMetrics()
	hist := snapshot["histograms"].(map[string]map[string]int64)["breakdown.duration_ms"]
	assert.Equal(t, int64(2), hist["count"])
	assert.Equal(t, int64(10), hist["min"])
	assert.Equal(t, int64(40), hist["max"])
}

func TestAPIMetricsStatusBuckets(t *testing.T) {
	am := NewAPIMetrics(nil, NewNopLogger())
	am.RecordAPIRequest("breakdowns", "POST", 201, 5*time.Millisecond)
	am.RecordAPIRequest("breakdowns", "POST", 502, 5*time.Millisecond)
	am.RecordProviderCall("anthropic", false, time.Millisecond)

	c := am.Collector()
	assert.Equal(t, int64(1), c.GetCounterValue("api_responses_2xx"))
	assert.Equal(t, int64(1), c.GetCounterValue("api_responses_5xx"))
	assert.Equal(t, int64(1), c.GetCounterValue("llm_failures_anthropic"))
}

func TestSettingEncryptionRoundTrip(t *testing.T) {
	sealed, err := SealSetting("sk-test-123", "config-secret")
	require.NoError(t, err)
	assert.Contains(t, sealed, EncryptedPrefix)

	plain, err := RevealSetting(sealed, "config-secret")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", plain)

	unchanged, err := RevealSetting("plain-value", "")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", unchanged)

	_, err = RevealSetting(sealed, "")
	assert.Error(t, err)
	_, err = RevealSetting(sealed, "wrong-secret")
	assert.Error(t, err)
}
