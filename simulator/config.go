package simulator

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/miretskiy/nvmesim/blockio"
	"github.com/miretskiy/nvmesim/device"
	"github.com/miretskiy/nvmesim/dma"
	"github.com/miretskiy/nvmesim/engine"
	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/miretskiy/nvmesim/nvme"
	"github.com/miretskiy/nvmesim/workload"
	"go.yaml.in/yaml/v3"
)

// DriverKind selects what sits below the block layer.
type DriverKind int

const (
	DriverNVMe DriverKind = iota // NVMe driver over the reference controller
	DriverNone                   // completes after a fixed latency, no device
)

// String returns the string representation of DriverKind
func (k DriverKind) String() string {
	switch k {
	case DriverNVMe:
		return "nvme"
	case DriverNone:
		return "none"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseDriverKind parses a string into DriverKind
func ParseDriverKind(s string) (DriverKind, error) {
	switch s {
	case "nvme":
		return DriverNVMe, nil
	case "none":
		return DriverNone, nil
	default:
		return DriverNVMe, fmt.Errorf("invalid driver: %s (must be 'nvme' or 'none')", s)
	}
}

// MarshalText implements encoding.TextMarshaler for JSON and YAML.
func (k DriverKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DriverKind) UnmarshalText(data []byte) error {
	parsed, err := ParseDriverKind(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ReportConfig controls the wall-clock reporter.
type ReportConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"` // 0 disables periodic status lines
	Listen   string        `json:"listen" yaml:"listen"`     // address for `serve`
}

// SimConfig holds every knob of a run. Latencies are in ticks (picoseconds).
type SimConfig struct {
	Driver   DriverKind `json:"driver" yaml:"driver"`
	PageSize uint64     `json:"pageSize" yaml:"pageSize"` // host memory page size

	NVMe   nvme.Config   `json:"nvme" yaml:"nvme"`
	Device device.Config `json:"device" yaml:"device"`
	// NullLatency is the service time of the null driver.
	NullLatency engine.Tick `json:"nullLatency" yaml:"nullLatency"`

	BlockIO  blockio.Config  `json:"blockio" yaml:"blockio"`
	Workload workload.Config `json:"workload" yaml:"workload"`
	Logging  logging.Config  `json:"logging" yaml:"logging"`
	Report   ReportConfig    `json:"report" yaml:"report"`
}

// DefaultConfig returns a 1 GiB NVMe device driven by a 70/30 random 4 KiB
// workload at queue depth 32.
func DefaultConfig() SimConfig {
	return SimConfig{
		Driver:      DriverNVMe,
		PageSize:    dma.DefaultPageSize,
		NVMe:        nvme.DefaultConfig(),
		Device:      device.DefaultConfig(),
		NullLatency: 10 * engine.Microsecond,
		BlockIO:     blockio.DefaultConfig(),
		Workload:    workload.DefaultConfig(),
		Logging:     logging.DefaultConfig(),
		Report: ReportConfig{
			Interval: time.Second,
			Listen:   ":8080",
		},
	}
}

// Validate checks each group and the constraints between them.
func (c *SimConfig) Validate() error {
	if c.PageSize < 4096 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
		return ErrInvalidConfig(fmt.Sprintf("pageSize must be a power of two in [4096, 65536], got %d", c.PageSize))
	}
	if err := c.Device.Validate(); err != nil {
		return wrapInvalid("device", err)
	}
	if c.Device.BlockSize > c.PageSize {
		return ErrInvalidConfig(fmt.Sprintf("device blockSize %d exceeds pageSize %d", c.Device.BlockSize, c.PageSize))
	}
	if err := c.BlockIO.Validate(); err != nil {
		return wrapInvalid("blockio", err)
	}
	if err := c.Workload.Validate(); err != nil {
		return wrapInvalid("workload", err)
	}
	if _, err := logging.New(io.Discard, c.Logging); err != nil {
		return wrapInvalid("logging", err)
	}

	switch c.Driver {
	case DriverNVMe:
		if err := c.NVMe.Validate(); err != nil {
			return wrapInvalid("nvme", err)
		}
		entries := min(c.NVMe.IOQueueEntries, c.Device.MaxQueueEntries)
		if uint64(c.BlockIO.MaxDepth) > uint64(entries)-1 {
			return ErrInvalidConfig(fmt.Sprintf("blockio maxDepth %d exceeds io queue capacity %d", c.BlockIO.MaxDepth, entries-1))
		}
	case DriverNone:
	default:
		return ErrInvalidConfig(fmt.Sprintf("unknown driver %d", c.Driver))
	}
	return nil
}

// LoadConfig reads a YAML (or JSON) file on top of DefaultConfig and
// validates the result.
func LoadConfig(path string) (SimConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c SimConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
