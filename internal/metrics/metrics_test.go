package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func counterValue(t *testing.T, c *Collector, name, label, value string) float64 {
	t.Helper()
	for _, m := range family(t, c, name).GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.NotNil(t, c.registry)
	assert.NotNil(t, c.rejectedInputs)
	assert.NotNil(t, c.dispatches)
	assert.NotNil(t, c.correlations)

	// independent registries
	assert.NotPanics(t, func() { NewCollector() })
}

func TestRecordCounters(t *testing.T) {
	c := NewCollector()
	c.RecordRejectedInput("missing_parameter")
	c.RecordRejectedInput("missing_parameter")
	c.RecordDispatch("ok", 120*time.Millisecond)
	c.RecordDispatch("unavailable", time.Second)
	c.RecordCorrelation("matched", 2, 12*time.Second)

	assert.Equal(t, 2.0, counterValue(t, c, "runrelay_requests_rejected_total", "reason", "missing_parameter"))
	assert.Equal(t, 1.0, counterValue(t, c, "runrelay_dispatches_total", "outcome", "ok"))
	assert.Equal(t, 1.0, counterValue(t, c, "runrelay_dispatches_total", "outcome", "unavailable"))
	assert.Equal(t, 1.0, counterValue(t, c, "runrelay_correlations_total", "status", "matched"))

	h := family(t, c, "runrelay_correlation_attempts").GetMetric()[0].GetHistogram()
	assert.EqualValues(t, 1, h.GetSampleCount())
	assert.Equal(t, 2.0, h.GetSampleSum())
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRejectedInput("malformed")
		c.RecordDispatch("ok", time.Second)
		c.RecordCorrelation("matched", 1, time.Second)
	})
	assert.Nil(t, c.Registry())
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordDispatch("rejected", time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `runrelay_dispatches_total{outcome="rejected"} 1`)
}
