package observability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.ObserveStage("NAVIGATE", 2*time.Second, nil)
	m.ObserveStage("TRIGGER_RENEW", time.Second, errors.New("click exhausted"))
	m.ObserveRun("RENEWED", 90*time.Second)
	m.ObserveClick("native")
	m.ObserveClick("native")
	m.ObserveChallenge("timeout")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("RENEWED")))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.runDuration))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.stageFailures.WithLabelValues("NAVIGATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageFailures.WithLabelValues("TRIGGER_RENEW")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.clicks.WithLabelValues("native")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.challenges.WithLabelValues("timeout")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stageDuration))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStage("VERIFY", time.Second, nil)
		m.ObserveRun("UNKNOWN", time.Second)
		m.ObserveClick("scripted")
		m.ObserveChallenge("clear")
		assert.NoError(t, m.WriteTextfile("ignored.prom"))
	})
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveRun("NOT_YET_ELIGIBLE", time.Second)

	path := filepath.Join(t.TempDir(), "autorenew.prom")
	require.NoError(t, m.WriteTextfile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `autorenew_runs_total{outcome="NOT_YET_ELIGIBLE"} 1`)

	assert.NoError(t, m.WriteTextfile(""))
}
