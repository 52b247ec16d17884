package client

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/muurk/qlink/internal/protocol"
)

func TestRegisterMonitoring(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMonitoring(reg)

	m := monitor{serial: "00000000deadbeef"}
	m.state(StateRun)
	m.packet(protocol.CmdData)
	m.packet(protocol.CmdData)
	m.record(true)
	m.fault(ErrTypeFraming)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			var v float64
			switch {
			case metric.GetCounter() != nil:
				v = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				v = metric.GetGauge().GetValue()
			}
			for _, l := range metric.GetLabel() {
				if l.GetName() == "serial" && l.GetValue() == m.serial {
					values[f.GetName()] += v
				}
			}
		}
	}

	tests := []struct {
		name string
		want float64
	}{
		{"qlink_state", float64(StateRun)},
		{"qlink_read_packets", 2},
		{"qlink_records", 1},
		{"qlink_faults", 1},
	}
	for _, tt := range tests {
		if got := values[tt.name]; got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}
