// Package metrics exposes the base station's Prometheus instrumentation:
// round duration, per-slot outcomes, the current aliveness mask, and the
// command-source mix the scheduler selected from. Reporting calls never
// block the Radio Thread — they're in-memory counter/gauge updates only.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SlotOutcome categorizes how a single scheduler slot concluded.
type SlotOutcome string

const (
	OutcomeAck      SlotOutcome = "ack"
	OutcomeNoAck    SlotOutcome = "no_ack"
	OutcomeError    SlotOutcome = "error"
	OutcomeSkipped  SlotOutcome = "skipped"
	OutcomeNoReply  SlotOutcome = "no_reply"
)

// CommandSource identifies which of the three C2 sources a slot's Control
// Frame came from.
type CommandSource string

const (
	SourceManual    CommandSource = "manual"
	SourceNetwork   CommandSource = "network"
	SourceKeepAlive CommandSource = "keep_alive"
)

// Registry bundles the metrics the scheduler and liveness aggregator
// report to.
type Registry struct {
	registerer prometheus.Registerer

	roundDuration  prometheus.Histogram
	slotOutcomes   *prometheus.CounterVec
	commandSources *prometheus.CounterVec
	alivenessMask  prometheus.Gauge
	robotsAlive    prometheus.Gauge
}

// NewRegistry builds and registers the base station's metrics against reg.
// Pass prometheus.NewRegistry() in tests to avoid the global default
// registry's cross-test collisions.
func NewRegistry(reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		registerer: reg,
		roundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "base_station",
			Subsystem: "scheduler",
			Name:      "round_duration_seconds",
			Help:      "Wall-clock duration of one full scheduler round (all robot slots).",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		slotOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "base_station",
			Subsystem: "scheduler",
			Name:      "slot_outcomes_total",
			Help:      "Count of scheduler slots by terminal outcome.",
		}, []string{"outcome"}),
		commandSources: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "base_station",
			Subsystem: "scheduler",
			Name:      "command_source_total",
			Help:      "Count of transmitted Control Frames by originating command source.",
		}, []string{"source"}),
		alivenessMask: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "base_station",
			Subsystem: "liveness",
			Name:      "aliveness_mask",
			Help:      "Most recently published 16-bit aliveness mask, as a decimal integer.",
		}),
		robotsAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "base_station",
			Subsystem: "liveness",
			Name:      "robots_alive",
			Help:      "Count of robots currently marked alive.",
		}),
	}
}

// ObserveRound records the wall-clock duration of one completed round.
func (r *Registry) ObserveRound(d time.Duration) {
	r.roundDuration.Observe(d.Seconds())
}

// RecordSlot increments the outcome counter for one scheduler slot, and,
// for slots that transmitted, the command-source mix counter.
func (r *Registry) RecordSlot(outcome SlotOutcome, source CommandSource) {
	r.slotOutcomes.WithLabelValues(string(outcome)).Inc()
	if source != "" {
		r.commandSources.WithLabelValues(string(source)).Inc()
	}
}

// RecordAliveness publishes the current mask and alive-robot count.
func (r *Registry) RecordAliveness(mask uint16, aliveCount int) {
	r.alivenessMask.Set(float64(mask))
	r.robotsAlive.Set(float64(aliveCount))
}

// Serve starts a blocking HTTP server exposing /metrics on addr, returning
// when ctx is cancelled or the listener fails. Use in its own goroutine;
// an empty addr disables the metrics endpoint entirely.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
