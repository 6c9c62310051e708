package telemetry

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeeded() *Generator {
	return NewGenerator(rand.New(rand.NewPCG(1, 2)))
}

func TestGenerate_StaysWithinBounds(t *testing.T) {
	g := newSeeded()
	g.SetBaseline("hot", Baseline{Temperature: 95, CPUUsage: 90, MemoryUsage: 95})
	g.SetBaseline("cold", Baseline{Temperature: 10, CPUUsage: 5, MemoryUsage: 5})

	for _, id := range []string{"hot", "cold", "default"} {
		for i := 0; i < 2000; i++ {
			s := g.Generate(id)
			assert.Equal(t, id, s.DeviceID)
			assert.GreaterOrEqual(t, s.Temperature, int64(2000))
			assert.LessOrEqual(t, s.Temperature, int64(10000))
			assert.GreaterOrEqual(t, s.CPUUsage, int64(0))
			assert.LessOrEqual(t, s.CPUUsage, int64(10000))
			assert.GreaterOrEqual(t, s.MemoryUsage, int64(0))
			assert.LessOrEqual(t, s.MemoryUsage, int64(10000))
		}
	}
}

func TestGenerate_PerturbationAroundDefaultBaseline(t *testing.T) {
	g := newSeeded()
	for i := 0; i < 2000; i++ {
		s := g.Generate("device-server-001")
		assert.InDelta(t, 4500, s.Temperature, 1500)
		assert.InDelta(t, 3000, s.CPUUsage, 3000)
		assert.InDelta(t, 5000, s.MemoryUsage, 2000)
	}
}

func TestGenerate_OnlineRate(t *testing.T) {
	g := newSeeded()
	const n = 20000
	online := 0
	for i := 0; i < n; i++ {
		if g.Generate("d").IsOnline {
			online++
		}
	}
	assert.InDelta(t, 0.95, float64(online)/n, 0.01)
}

func TestGenerate_FaultInjection(t *testing.T) {
	tests := []struct {
		kind  FaultKind
		check func(t *testing.T, s Sample)
	}{
		{FaultOffline, func(t *testing.T, s Sample) { assert.False(t, s.IsOnline) }},
		{FaultHighTemperature, func(t *testing.T, s Sample) { assert.Equal(t, int64(9500), s.Temperature) }},
		{FaultHighCPU, func(t *testing.T, s Sample) { assert.Equal(t, int64(9900), s.CPUUsage) }},
		{FaultHighMemory, func(t *testing.T, s Sample) { assert.Equal(t, int64(9900), s.MemoryUsage) }},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			g := newSeeded()
			g.SetFault(FaultConfig{DeviceID: "device-iot-001", Kind: tt.kind, Probability: 1})
			for i := 0; i < 50; i++ {
				tt.check(t, g.Generate("device-iot-001"))
			}
		})
	}
}

func TestGenerate_FaultInjectionScope(t *testing.T) {
	g := newSeeded()

	g.SetFault(FaultConfig{DeviceID: "device-iot-001", Kind: FaultHighCPU, Probability: 1})
	for i := 0; i < 200; i++ {
		assert.NotEqual(t, int64(9900), g.Generate("device-node-001").CPUUsage)
	}

	g.SetFault(FaultConfig{DeviceID: "device-iot-001", Kind: FaultHighCPU, Probability: 0})
	assert.False(t, FaultConfig{DeviceID: "device-iot-001", Kind: FaultHighCPU}.Enabled())
	for i := 0; i < 200; i++ {
		assert.NotEqual(t, int64(9900), g.Generate("device-iot-001").CPUUsage)
	}
}

func TestFaultKind_Valid(t *testing.T) {
	assert.True(t, FaultHighMemory.Valid())
	assert.False(t, FaultKind("meltdown").Valid())
}

func TestBuffer_NextConsumesFreshSamples(t *testing.T) {
	b := NewBuffer()
	ctx := context.Background()

	_, err := b.Next(ctx, "d1")
	assert.ErrorIs(t, err, ErrNoSample)

	now := time.Now()
	b.Put(Sample{DeviceID: "d1", Temperature: 5000, Timestamp: now})
	b.Put(Sample{DeviceID: "d1", Temperature: 4000, Timestamp: now.Add(-time.Second)})

	s, err := b.Next(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), s.Temperature)

	_, err = b.Next(ctx, "d1")
	assert.ErrorIs(t, err, ErrNoSample)

	latest, ok := b.Latest("d1")
	require.True(t, ok)
	assert.Equal(t, int64(5000), latest.Temperature)
}

func TestSample_String(t *testing.T) {
	s := Sample{DeviceID: "d1", IsOnline: true, Temperature: 9500, CPUUsage: 3000, MemoryUsage: 5000}
	assert.Equal(t, "d1 online temp=95.0°C cpu=30.0% mem=50.0%", s.String())
}

func TestFixedPointConversion(t *testing.T) {
	tests := []struct {
		in      float64
		fixed   int64
		rounded int64
	}{
		{in: 0.29, fixed: 28, rounded: 29},
		{in: 1.15, fixed: 114, rounded: 115},
		{in: 95, fixed: 9500, rounded: 9500},
		{in: 42.126, fixed: 4212, rounded: 4213},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.fixed, Fixed(tt.in), "Fixed(%v)", tt.in)
		assert.Equal(t, tt.rounded, Rounded(tt.in), "Rounded(%v)", tt.in)
	}
}
