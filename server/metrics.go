package main

import (
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// logReporter writes tally metrics to the debug log at each report interval.
type logReporter struct {
	log *zap.Logger
}

func newLogReporter(log *zap.Logger) tally.StatsReporter {
	return &logReporter{log: log.Named("metrics")}
}

type reportingCapabilities struct{}

func (reportingCapabilities) Reporting() bool { return true }
func (reportingCapabilities) Tagging() bool   { return false }

func (r *logReporter) Capabilities() tally.Capabilities { return reportingCapabilities{} }

func (r *logReporter) Flush() {}

func (r *logReporter) ReportCounter(name string, _ map[string]string, value int64) {
	r.log.Debug("counter", zap.String("name", name), zap.Int64("value", value))
}

func (r *logReporter) ReportGauge(name string, _ map[string]string, value float64) {
	r.log.Debug("gauge", zap.String("name", name), zap.Float64("value", value))
}

func (r *logReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	r.log.Debug("timer", zap.String("name", name), zap.Duration("value", interval))
}

func (r *logReporter) ReportHistogramValueSamples(name string, _ map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	r.log.Debug("histogram", zap.String("name", name), zap.Float64("lower", lower), zap.Float64("upper", upper), zap.Int64("samples", samples))
}

func (r *logReporter) ReportHistogramDurationSamples(name string, _ map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	r.log.Debug("histogram", zap.String("name", name), zap.Duration("lower", lower), zap.Duration("upper", upper), zap.Int64("samples", samples))
}
