package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/settlement"
)

func TestUsageMeter_RecordsSettlement(t *testing.T) {
	reg := prometheus.NewRegistry()
	meter := NewUsageMeter(reg)

	require.NoError(t, meter.RecordSettlement(context.Background(), settlement.Settlement{
		DriverID: "drv-1",
		GrossPay: decimal.NewFromInt(330),
	}, 2))
	require.NoError(t, meter.RecordSettlement(context.Background(), settlement.Settlement{
		DriverID:       "drv-1",
		GrossPay:       decimal.NewFromInt(100),
		CarriedForward: decimal.NewFromInt(70),
	}, 1))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	got, err := fetchCounterValue(mfs, "settlements_generated_total", "driver_id", "drv-1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got)

	loads := findMetricFamily(mfs, "settlement_loads_total")
	require.NotNil(t, loads)
	assert.Equal(t, float64(3), loads.GetMetric()[0].GetCounter().GetValue())

	carried := findMetricFamily(mfs, "settlement_negative_balances_total")
	require.NotNil(t, carried)
	assert.Equal(t, float64(1), carried.GetMetric()[0].GetCounter().GetValue())

	gross := findMetricFamily(mfs, "settlement_gross_pay_dollars")
	require.NotNil(t, gross)
	assert.Equal(t, float64(430), gross.GetMetric()[0].GetHistogram().GetSampleSum())
}

func TestUsageMeter_NilIsNoop(t *testing.T) {
	var meter *UsageMeter
	assert.NoError(t, meter.RecordSettlement(context.Background(), settlement.Settlement{}, 1))
	assert.NoError(t, NewUsageMeter(nil).RecordSettlement(context.Background(), settlement.Settlement{}, 1))
}

func TestHTTPMetrics_LabelsByRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/settlements/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/metrics", Handler(reg).ServeHTTP)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settlements/s-1", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	got, err := fetchCounterValue(mfs, "http_requests_total", "route", "/api/settlements/{id}")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
