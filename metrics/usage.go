package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/settlement-engine/settlement"
)

// UsageMeter counts generated settlements for billing. It satisfies
// settlement.UsageMeter; a nil meter records nothing.
type UsageMeter struct {
	settlements *prometheus.CounterVec
	loads       prometheus.Counter
	grossPay    prometheus.Histogram
	carried     prometheus.Counter
}

var _ settlement.UsageMeter = (*UsageMeter)(nil)

// NewUsageMeter registers the usage metrics on the provided registerer.
func NewUsageMeter(reg prometheus.Registerer) *UsageMeter {
	if reg == nil {
		return &UsageMeter{}
	}
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_generated_total",
		Help: "Settlements generated, by driver.",
	}, []string{"driver_id"})
	loads := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_loads_total",
		Help: "Loads included in generated settlements.",
	})
	grossPay := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_gross_pay_dollars",
		Help:    "Gross pay of generated settlements.",
		Buckets: []float64{250, 500, 1000, 2000, 3000, 5000, 10000},
	})
	carried := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_negative_balances_total",
		Help: "Generated settlements whose net went below zero.",
	})
	reg.MustRegister(settlements, loads, grossPay, carried)
	return &UsageMeter{
		settlements: settlements,
		loads:       loads,
		grossPay:    grossPay,
		carried:     carried,
	}
}

// RecordSettlement never fails; the error return satisfies settlement.UsageMeter.
func (m *UsageMeter) RecordSettlement(_ context.Context, s settlement.Settlement, loadCount int) error {
	if m == nil || m.settlements == nil {
		return nil
	}
	m.settlements.WithLabelValues(normalizeLabel(string(s.DriverID))).Inc()
	m.loads.Add(float64(loadCount))
	gross, _ := s.GrossPay.Float64()
	m.grossPay.Observe(gross)
	if s.CarriedForward.IsPositive() {
		m.carried.Inc()
	}
	return nil
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
