package workload

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUniformDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(12345))
	dist := &UniformDistribution{}

	t.Run("single value range", func(t *testing.T) {
		require.Equal(t, int64(5), dist.Sample(rng, 5, 5))
	})

	t.Run("range 1-10", func(t *testing.T) {
		samples := make(map[int64]int)
		for i := 0; i < 10000; i++ {
			v := dist.Sample(rng, 1, 10)
			require.GreaterOrEqual(t, v, int64(1))
			require.LessOrEqual(t, v, int64(10))
			samples[v]++
		}
		require.Len(t, samples, 10)
		for v := int64(1); v <= 10; v++ {
			// ~1000 each; 30% tolerance
			require.InDelta(t, 1000, samples[v], 300, "value %d", v)
		}
	})
}

func TestExponentialDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(12345))
	dist := &ExponentialDistribution{Lambda: 0.5}

	t.Run("single value range", func(t *testing.T) {
		require.Equal(t, int64(5), dist.Sample(rng, 5, 5))
	})

	t.Run("skewed toward min", func(t *testing.T) {
		var sum, maxSeen int64
		quartiles := [4]int{}
		unique := make(map[int64]struct{})
		for i := 0; i < 10000; i++ {
			v := dist.Sample(rng, 1, 100)
			require.GreaterOrEqual(t, v, int64(1))
			require.LessOrEqual(t, v, int64(100))
			sum += v
			maxSeen = max(maxSeen, v)
			unique[v] = struct{}{}
			quartiles[min((v-1)/25, 3)]++
		}
		mean := float64(sum) / 10000
		require.Less(t, mean, 50.0)
		// Must reach across the range, not stick to the first few values.
		require.GreaterOrEqual(t, maxSeen, int64(50))
		require.GreaterOrEqual(t, len(unique), 20)
		require.Greater(t, quartiles[0], quartiles[1])
		require.Greater(t, quartiles[1], quartiles[2])
		t.Logf("exponential: mean=%.2f max=%d unique=%d quartiles=%v", mean, maxSeen, len(unique), quartiles)
	})
}

func TestGeometricDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(12345))
	dist := &GeometricDistribution{P: 0.3}

	require.Equal(t, int64(5), dist.Sample(rng, 5, 5))

	var sum int64
	for i := 0; i < 1000; i++ {
		v := dist.Sample(rng, 1, 50)
		require.GreaterOrEqual(t, v, int64(1))
		require.LessOrEqual(t, v, int64(50))
		sum += v
	}
	mean := float64(sum) / 1000
	require.Less(t, mean, 25.0)
	t.Logf("geometric mean: %.2f (range 1-50)", mean)
}

func TestFixedDistribution(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	require.Equal(t, int64(55), (&FixedDistribution{Percentage: 0.5}).Sample(rng, 10, 100))
	require.Equal(t, int64(10), (&FixedDistribution{Percentage: -0.5}).Sample(rng, 10, 100))
	require.Equal(t, int64(100), (&FixedDistribution{Percentage: 5}).Sample(rng, 10, 100))
}

func TestNewDistribution(t *testing.T) {
	for _, dt := range []DistributionType{DistUniform, DistExponential, DistGeometric, DistFixed} {
		t.Run(dt.String(), func(t *testing.T) {
			dist := NewDistribution(dt)
			require.NotNil(t, dist)
			v := dist.Sample(rand.New(rand.NewSource(42)), 1, 10)
			require.GreaterOrEqual(t, v, int64(1))
			require.LessOrEqual(t, v, int64(10))

			parsed, err := ParseDistributionType(dt.String())
			require.NoError(t, err)
			require.Equal(t, dt, parsed)
		})
	}
	_, err := ParseDistributionType("zipf")
	require.Error(t, err)
}
