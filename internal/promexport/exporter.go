// Package promexport exposes the latest aggregated run metrics to Prometheus.
package promexport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"smppload/internal/core"
	"smppload/internal/metrics"
)

const MetricPrefix = "smppload_"

var (
	submitsDesc = prometheus.NewDesc(
		MetricPrefix+"submits_total",
		"Resolved submissions by outcome",
		[]string{"outcome"}, nil,
	)
	tpsDesc = prometheus.NewDesc(
		MetricPrefix+"tps",
		"Resolved submissions per second over the trailing window",
		nil, nil,
	)
	latencyDesc = prometheus.NewDesc(
		MetricPrefix+"latency_seconds_avg",
		"Average submit_sm_resp latency",
		nil, nil,
	)
	abandonedDesc = prometheus.NewDesc(
		MetricPrefix+"abandoned_total",
		"Submissions abandoned at the drain deadline",
		nil, nil,
	)
	receiptsDesc = prometheus.NewDesc(
		MetricPrefix+"receipts_total",
		"Final delivery receipts by result",
		[]string{"result"}, nil,
	)
	bindsDesc = prometheus.NewDesc(
		MetricPrefix+"binds",
		"Binds per lifecycle state",
		[]string{"state"}, nil,
	)
	bindSubmitsDesc = prometheus.NewDesc(
		MetricPrefix+"bind_submits_total",
		"Resolved submissions per bind",
		[]string{"bind", "outcome"}, nil,
	)
	bindTPSDesc = prometheus.NewDesc(
		MetricPrefix+"bind_tps",
		"Per-bind resolved submissions per second",
		[]string{"bind"}, nil,
	)
	bindLatencyDesc = prometheus.NewDesc(
		MetricPrefix+"bind_latency_seconds_avg",
		"Per-bind average submit_sm_resp latency",
		[]string{"bind"}, nil,
	)
	bindStateDesc = prometheus.NewDesc(
		MetricPrefix+"bind_state",
		"1 for the bind's current lifecycle state",
		[]string{"bind", "state"}, nil,
	)
)

var allStates = []core.BindState{
	core.StateUnbound, core.StateBinding, core.StateBound,
	core.StateDraining, core.StateClosed, core.StateFailed,
}

// Exporter is a metrics.Publisher and a prometheus.Collector. Collect reports
// the last published GlobalMetrics.
type Exporter struct {
	mu     sync.Mutex
	latest *metrics.GlobalMetrics
}

// NewExporter returns an exporter with nothing published yet.
func NewExporter() *Exporter {
	return &Exporter{}
}

// Publish implements metrics.Publisher.
func (e *Exporter) Publish(g metrics.GlobalMetrics) {
	e.mu.Lock()
	e.latest = &g
	e.mu.Unlock()
}

func (e *Exporter) Describe(desc chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		submitsDesc, tpsDesc, latencyDesc, abandonedDesc, receiptsDesc, bindsDesc,
		bindSubmitsDesc, bindTPSDesc, bindLatencyDesc, bindStateDesc,
	} {
		desc <- d
	}
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mu.Lock()
	g := e.latest
	e.mu.Unlock()
	if g == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(submitsDesc, prometheus.CounterValue, float64(g.OK), "ok")
	ch <- prometheus.MustNewConstMetric(submitsDesc, prometheus.CounterValue, float64(g.Err), "err")
	ch <- prometheus.MustNewConstMetric(tpsDesc, prometheus.GaugeValue, g.TPS)
	ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, g.AvgLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(abandonedDesc, prometheus.CounterValue, float64(g.Abandoned))
	ch <- prometheus.MustNewConstMetric(receiptsDesc, prometheus.CounterValue, float64(g.ReceiptsDelivered), "delivered")
	ch <- prometheus.MustNewConstMetric(receiptsDesc, prometheus.CounterValue, float64(g.ReceiptsFailed), "failed")
	for _, s := range allStates {
		ch <- prometheus.MustNewConstMetric(bindsDesc, prometheus.GaugeValue, float64(g.Count(s)), s.String())
	}

	for _, b := range g.Binds {
		id := strconv.Itoa(b.ID)
		ch <- prometheus.MustNewConstMetric(bindSubmitsDesc, prometheus.CounterValue, float64(b.OK), id, "ok")
		ch <- prometheus.MustNewConstMetric(bindSubmitsDesc, prometheus.CounterValue, float64(b.Err), id, "err")
		ch <- prometheus.MustNewConstMetric(bindTPSDesc, prometheus.GaugeValue, b.TPS, id)
		ch <- prometheus.MustNewConstMetric(bindLatencyDesc, prometheus.GaugeValue, b.AvgLatency.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(bindStateDesc, prometheus.GaugeValue, 1, id, b.State.String())
	}
}

// Handler serves the exporter from a dedicated registry.
func (e *Exporter) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(e)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics until ctx is done.
func (e *Exporter) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", l.Addr().String()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
