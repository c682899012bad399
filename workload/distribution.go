package workload

import (
	"fmt"
	"math"
	"math/rand"
)

// DistributionType selects how sizes and addresses are drawn.
type DistributionType int

const (
	DistUniform DistributionType = iota
	DistExponential
	DistGeometric
	DistFixed
)

// String returns the string representation of DistributionType
func (dt DistributionType) String() string {
	switch dt {
	case DistUniform:
		return "uniform"
	case DistExponential:
		return "exponential"
	case DistGeometric:
		return "geometric"
	case DistFixed:
		return "fixed"
	default:
		return fmt.Sprintf("unknown(%d)", int(dt))
	}
}

// ParseDistributionType parses a string into a DistributionType
func ParseDistributionType(s string) (DistributionType, error) {
	switch s {
	case "uniform":
		return DistUniform, nil
	case "exponential":
		return DistExponential, nil
	case "geometric":
		return DistGeometric, nil
	case "fixed":
		return DistFixed, nil
	default:
		return DistUniform, fmt.Errorf("invalid distribution: %s (must be 'uniform', 'exponential', 'geometric', or 'fixed')", s)
	}
}

// MarshalText implements encoding.TextMarshaler, used by both JSON and YAML.
func (dt DistributionType) MarshalText() ([]byte, error) {
	return []byte(dt.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (dt *DistributionType) UnmarshalText(data []byte) error {
	parsed, err := ParseDistributionType(string(data))
	if err != nil {
		return err
	}
	*dt = parsed
	return nil
}

// Distribution draws an integer in [min, max].
type Distribution interface {
	Sample(rng *rand.Rand, min, max int64) int64
}

// UniformDistribution samples uniformly between min and max
type UniformDistribution struct{}

func (d *UniformDistribution) Sample(rng *rand.Rand, min, max int64) int64 {
	if min >= max {
		return min
	}
	return min + rng.Int63n(max-min+1)
}

// ExponentialDistribution samples with exponential bias toward min. Used for
// addresses it models a hot region at the start of the device.
type ExponentialDistribution struct {
	Lambda float64 // higher = more skewed toward min
}

func (d *ExponentialDistribution) Sample(rng *rand.Rand, min, max int64) int64 {
	if min >= max {
		return min
	}

	// Inverse transform: X = -ln(U) / lambda
	u := rng.Float64()
	if u == 0 {
		u = 1e-10
	}
	x := -math.Log(u) / d.Lambda

	// 95% of values fall below 6/lambda; clamp there and scale to the range.
	normalized := math.Min(x/(6.0/d.Lambda), 1.0)
	return min + int64(normalized*float64(max-min))
}

// GeometricDistribution counts failures before the first success, capped at
// the range.
type GeometricDistribution struct {
	P float64 // success probability, higher = more skewed toward min
}

func (d *GeometricDistribution) Sample(rng *rand.Rand, min, max int64) int64 {
	if min >= max {
		return min
	}

	u := rng.Float64()
	if u >= 1.0 {
		u = 0.999999
	}

	var trials int64
	if d.P > 0 && d.P < 1 {
		trials = int64(math.Log(1-u) / math.Log(1-d.P))
		if trials < 0 {
			trials = 0
		}
	}
	if trials > max-min {
		trials = max - min
	}
	return min + trials
}

// FixedDistribution always returns the same point of the range.
type FixedDistribution struct {
	Percentage float64 // 0.0 to 1.0
}

func (d *FixedDistribution) Sample(rng *rand.Rand, min, max int64) int64 {
	if min >= max {
		return min
	}
	p := math.Max(0, math.Min(1, d.Percentage))
	result := min + int64(p*float64(max-min))
	if result > max {
		return max
	}
	return result
}

// NewDistribution creates a distribution based on type
func NewDistribution(distType DistributionType) Distribution {
	switch distType {
	case DistExponential:
		return &ExponentialDistribution{Lambda: 0.5}
	case DistGeometric:
		return &GeometricDistribution{P: 0.3}
	case DistFixed:
		return &FixedDistribution{Percentage: 0.5}
	default:
		return &UniformDistribution{}
	}
}
