package simulator

import (
	"maps"

	"github.com/miretskiy/nvmesim/blockio"
	"github.com/miretskiy/nvmesim/device"
	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/nvme"
	"github.com/miretskiy/nvmesim/workload"
)

// Metrics is a point-in-time snapshot of every component's counters.
// Taking one does not reset the periodic progress accumulators.
type Metrics struct {
	ID        string      `json:"id"`
	Timestamp engine.Tick `json:"timestamp"` // virtual time
	Elapsed   string      `json:"elapsed"`   // virtual time, human readable
	State     string      `json:"state"`

	Statistics blockio.Statistics `json:"statistics"`
	Workload   workload.Stats     `json:"workload"`
	Engine     engine.Stats       `json:"engine"`
	Memory     dma.Stats          `json:"memory"`

	// Only set for the NVMe driver.
	Driver      *nvme.Stats   `json:"driver,omitempty"`
	DriverState string        `json:"driverState,omitempty"`
	Device      *device.Stats `json:"device,omitempty"`
}

// Clone creates a copy of the metrics
func (m *Metrics) Clone() *Metrics {
	clone := *m
	clone.Statistics.PerType = maps.Clone(m.Statistics.PerType)
	if m.Driver != nil {
		d := *m.Driver
		clone.Driver = &d
	}
	if m.Device != nil {
		d := *m.Device
		d.Backend = maps.Clone(m.Device.Backend)
		clone.Device = &d
	}
	return &clone
}
