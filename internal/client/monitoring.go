package client

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/muurk/qlink/internal/protocol"
)

var (
	linkStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qlink_state",
		Help: "Current link state of an instrument, by state number.",
	},
		[]string{"serial"})

	linkRegistrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qlink_registrations",
		Help: "Count of registrations that reached RUN.",
	},
		[]string{"serial"})

	linkFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qlink_faults",
		Help: "Count of errors that returned the link to WAIT.",
	},
		[]string{"serial", "type"})

	linkReadPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qlink_read_packets",
		Help: "Count of binary packets received from an instrument.",
	},
		[]string{"serial", "command"})

	linkReadBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qlink_read_bytes",
		Help: "Count of bytes received from an instrument.",
	},
		[]string{"serial"})

	linkFramingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qlink_framing_errors",
		Help: "Count of fatal framing errors.",
	},
		[]string{"serial"})

	linkRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qlink_records",
		Help: "Count of sealed records handed to callbacks.",
	},
		[]string{"serial", "kind"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		linkStateGauge,
		linkRegistrations,
		linkFaults,
		linkReadPackets,
		linkReadBytes,
		linkFramingErrors,
		linkRecords,
	)
}

// monitor updates the metrics of one instrument.
type monitor struct {
	serial string
}

func (m *monitor) state(s State) {
	linkStateGauge.WithLabelValues(m.serial).Set(float64(s))
}

func (m *monitor) registered() {
	linkRegistrations.WithLabelValues(m.serial).Inc()
}

func (m *monitor) fault(t ErrorType) {
	linkFaults.WithLabelValues(m.serial, t.String()).Inc()
}

func (m *monitor) read(n int) {
	linkReadBytes.WithLabelValues(m.serial).Add(float64(n))
}

func (m *monitor) packet(cmd uint8) {
	linkReadPackets.WithLabelValues(m.serial, protocol.CommandName(cmd)).Inc()
}

func (m *monitor) framingError() {
	linkFramingErrors.WithLabelValues(m.serial).Inc()
}

func (m *monitor) record(archival bool) {
	kind := "miniseed"
	if archival {
		kind = "archival"
	}
	linkRecords.WithLabelValues(m.serial, kind).Inc()
}
