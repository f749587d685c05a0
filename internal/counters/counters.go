// Package counters publishes the agent's duty-cycle state as prometheus
// gauges, mirroring the live counters a consensus module would publish for
// its own backup agent: current automaton state, live-log replay position,
// and the deadline for the next backup query. Grounded on the promauto
// registration style used for table-scoped metrics (see
// DBAShand-cdc-sink-redshift/internal/staging/stage/metrics.go); adapted to
// a single process-wide instance per gauge rather than a vector, since one
// agent instance runs per process.
package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the published gauges for one agent instance.
type Registry struct {
	state             prometheus.Gauge
	liveLogPosition   prometheus.Gauge
	nextQueryDeadline prometheus.Gauge
}

// NewRegistry registers the agent's gauges against reg. Pass
// prometheus.DefaultRegisterer for the process-wide default registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		state: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_agent_state",
			Help: "Current state of the backup agent duty cycle, as its ordinal value.",
		}),
		liveLogPosition: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_agent_live_log_position",
			Help: "Current replicated position of the live log, in bytes.",
		}),
		nextQueryDeadline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_agent_next_query_deadline_ms",
			Help: "Epoch millisecond deadline of the most recently scheduled backup query, or 0 before one is scheduled.",
		}),
	}
}

// SetState publishes the automaton's current state ordinal.
func (r *Registry) SetState(ordinal int) {
	r.state.Set(float64(ordinal))
}

// SetLiveLogPosition publishes the current live-log replay position.
func (r *Registry) SetLiveLogPosition(position int64) {
	r.liveLogPosition.Set(float64(position))
}

// SetNextQueryDeadlineMs publishes the epoch millisecond deadline for the
// next scheduled backup query.
func (r *Registry) SetNextQueryDeadlineMs(deadlineMs int64) {
	r.nextQueryDeadline.Set(float64(deadlineMs))
}
