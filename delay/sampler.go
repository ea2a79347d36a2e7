// Package delay draws artificial latencies and UDP fault outcomes from the
// configured scenario.
package delay

import (
	"math/rand"
	"sync"
	"time"

	"socketretarder/config"
)

// normalRounds is the number of uniform samples summed to approximate a
// normal distribution by the central limit theorem.
const normalRounds = 8

// MaxDelay caps a single sampled delay so a pathological scenario cannot
// park a connection forever.
const MaxDelay = 60 * time.Second

// Sampler draws delays from a scenario's distribution. Safe for concurrent
// use; application threads hit it from the interposition surface.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
	sc  config.Scenario
}

// NewSampler seeds a sampler for the given scenario.
func NewSampler(sc config.Scenario) *Sampler {
	return &Sampler{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		sc:  sc,
	}
}

// SampleMs returns a delay in milliseconds. The result may be zero or
// negative; callers skip sleeping in that case.
func (s *Sampler) SampleMs() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.sc.Distribution {
	case config.DistUniform:
		a, b := float64(s.sc.UniformAMs), float64(s.sc.UniformBMs)
		return int(a + s.rng.Float64()*(b-a))
	default:
		mean, variance := float64(s.sc.NormalMeanMs), float64(s.sc.NormalVarianceMs)
		var sum float64
		for i := 0; i < normalRounds; i++ {
			sum += s.rng.Float64() * variance
		}
		return int(sum/normalRounds + mean - variance/2)
	}
}

// Sample returns the sampled delay as a duration, clamped to [0, MaxDelay].
func (s *Sampler) Sample() time.Duration {
	d := time.Duration(s.SampleMs()) * time.Millisecond
	if d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// float64 draw shared with the fault injector.
func (s *Sampler) uniform() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// intn draw shared with the fault injector.
func (s *Sampler) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
