package toolwire

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// clientMetrics holds the diagnostic counters of one client instance. Dropped
// frames and unknown correlation ids are discarded without surfacing an error,
// so counters are the only way to spot server anomalies.
type clientMetrics struct {
	set *metrics.Set

	framesDropped    *metrics.Counter
	unknownResponses *metrics.Counter
	callTimeouts     *metrics.Counter
	reconnects       *metrics.Counter
}

func newClientMetrics(set *metrics.Set) *clientMetrics {
	if set == nil {
		set = metrics.NewSet()
	}
	return &clientMetrics{
		set:              set,
		framesDropped:    set.NewCounter(`toolwire_frames_dropped_total`),
		unknownResponses: set.NewCounter(`toolwire_unknown_responses_total`),
		callTimeouts:     set.NewCounter(`toolwire_call_timeouts_total`),
		reconnects:       set.NewCounter(`toolwire_reconnect_attempts_total`),
	}
}

func (m *clientMetrics) write(w io.Writer) {
	m.set.WritePrometheus(w)
}
