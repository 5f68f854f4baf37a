// Package observe exposes aggregate session metrics through OpenTelemetry
// with a Prometheus exporter, served on an optional /metrics endpoint.
package observe

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicegate-ai/voicegate/pkg/session"
)

const meterName = "github.com/voicegate-ai/voicegate"

// Metrics implements session.MetricsSink on an otel meter backed by a
// Prometheus registry.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	server   *http.Server

	firstAudio     metric.Int64Histogram
	underruns      metric.Int64Counter
	bargeIns       metric.Int64Counter
	suppressions   metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
}

var _ session.MetricsSink = (*Metrics)(nil)

// New builds the meter provider and, when addr is non-empty, serves
// /metrics on it.
func New(addr string) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider}

	if m.firstAudio, err = meter.Int64Histogram("tts_first_audio_ms",
		metric.WithDescription("Latency from tts_started to the first published frame"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("first audio histogram: %w", err)
	}
	if m.underruns, err = meter.Int64Counter("tts_underruns_total",
		metric.WithDescription("TTS playback underruns")); err != nil {
		return nil, fmt.Errorf("underrun counter: %w", err)
	}
	if m.bargeIns, err = meter.Int64Counter("barge_ins_total",
		metric.WithDescription("Accepted barge-in stops")); err != nil {
		return nil, fmt.Errorf("barge-in counter: %w", err)
	}
	if m.suppressions, err = meter.Int64Counter("barge_in_suppressions_total",
		metric.WithDescription("Suppressed barge-in attempts by reason")); err != nil {
		return nil, fmt.Errorf("suppression counter: %w", err)
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("active_sessions",
		metric.WithDescription("Sessions currently live")); err != nil {
		return nil, fmt.Errorf("active sessions counter: %w", err)
	}

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		m.server = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[Metrics] Server on %s stopped: %v", addr, err)
			}
		}()
		log.Printf("[Metrics] Serving /metrics on %s", addr)
	}

	return m, nil
}

// ObserveFirstAudio records one utterance's first-audio latency.
func (m *Metrics) ObserveFirstAudio(ms int64) {
	if ms < 0 {
		return
	}
	m.firstAudio.Record(context.Background(), ms)
}

// IncUnderrun counts one playback underrun.
func (m *Metrics) IncUnderrun() {
	m.underruns.Add(context.Background(), 1)
}

// IncBargeIn counts one accepted barge-in stop.
func (m *Metrics) IncBargeIn() {
	m.bargeIns.Add(context.Background(), 1)
}

// IncSuppressed counts one suppressed barge-in attempt.
func (m *Metrics) IncSuppressed(reason string) {
	m.suppressions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// SessionStarted marks a session live.
func (m *Metrics) SessionStarted() {
	m.activeSessions.Add(context.Background(), 1)
}

// SessionEnded marks a session gone.
func (m *Metrics) SessionEnded() {
	m.activeSessions.Add(context.Background(), -1)
}

// Shutdown flushes the provider and stops the /metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := m.server.Shutdown(sctx); err != nil {
			log.Printf("[Metrics] Server shutdown: %v", err)
		}
	}
	return m.provider.Shutdown(ctx)
}
