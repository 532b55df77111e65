package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus answers instant queries from a table keyed by backend and
// query kind.
func fakePrometheus(t *testing.T, values map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		q := r.Form.Get("query")

		backend := "legacy"
		if strings.Contains(q, `backend="candidate"`) {
			backend = "candidate"
		}
		kind := "count"
		switch {
		case strings.Contains(q, "code=~"):
			kind = "errors"
		case strings.Contains(q, "histogram_quantile"):
			kind = "p95"
		}

		w.Header().Set("Content-Type", "application/json")
		v, ok := values[backend+"/"+kind]
		if !ok {
			fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
			return
		}
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1767225600,"%s"]}]}}`, v)
	}))
}

func TestPrometheusSourceComparison(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		"legacy/errors":    "0.001",
		"legacy/p95":       "120",
		"legacy/count":     "10000",
		"candidate/errors": "0.06",
		"candidate/p95":    "180",
		"candidate/count":  "1000",
	})
	defer srv.Close()

	src, err := NewPrometheusSource(PrometheusConfig{Address: srv.URL, QueriesPerSecond: 1000}, nil)
	require.NoError(t, err)

	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := src.ComparisonMetrics(context.Background(), "apic:orders-api", end.Add(-10*time.Minute), end)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, c.Baseline.ErrorRate, 1e-9)
	assert.InDelta(t, 0.06, c.Candidate.ErrorRate, 1e-9)
	assert.InDelta(t, 180, c.Candidate.P95LatencyMs, 1e-9)
	assert.Equal(t, int64(1000), c.Candidate.RequestCount)
	assert.Equal(t, int64(60), c.Candidate.Errors())
}

func TestPrometheusSourceMissingSeriesIsUnavailable(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		"legacy/errors": "0.001",
		"legacy/p95":    "120",
		"legacy/count":  "10000",
	})
	defer srv.Close()

	src, err := NewPrometheusSource(PrometheusConfig{Address: srv.URL, QueriesPerSecond: 1000}, nil)
	require.NoError(t, err)

	end := time.Now()
	_, err = src.ComparisonMetrics(context.Background(), "apic:orders-api", end.Add(-time.Minute), end)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPrometheusSourceNaNIsUnavailable(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		"legacy/errors": "NaN",
	})
	defer srv.Close()

	src, err := NewPrometheusSource(PrometheusConfig{Address: srv.URL, QueriesPerSecond: 1000}, nil)
	require.NoError(t, err)

	end := time.Now()
	_, err = src.ComparisonMetrics(context.Background(), "x", end.Add(-time.Minute), end)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPrometheusSourceServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src, err := NewPrometheusSource(PrometheusConfig{Address: srv.URL, QueriesPerSecond: 1000}, nil)
	require.NoError(t, err)

	end := time.Now()
	_, err = src.ComparisonMetrics(context.Background(), "x", end.Add(-time.Minute), end)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = src.ComparisonMetrics(context.Background(), "x", end, end)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewPrometheusSourceRequiresAddress(t *testing.T) {
	_, err := NewPrometheusSource(PrometheusConfig{}, nil)
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource()
	_, err := src.ComparisonMetrics(context.Background(), "x", time.Time{}, time.Now())
	assert.ErrorIs(t, err, ErrUnavailable)

	src.Set("x", Comparison{Candidate: Sample{ErrorRate: 0.01, RequestCount: 100}})
	c, err := src.ComparisonMetrics(context.Background(), "x", time.Time{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Candidate.Errors())

	src.Delete("x")
	_, err = src.ComparisonMetrics(context.Background(), "x", time.Time{}, time.Now())
	assert.ErrorIs(t, err, ErrUnavailable)
}
