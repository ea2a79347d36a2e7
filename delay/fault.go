package delay

import "socketretarder/config"

// FaultInjector draws independent Bernoulli outcomes for the three UDP
// faults and applies payload damage.
type FaultInjector struct {
	sampler *Sampler
	sc      config.Scenario
}

// NewFaultInjector shares the sampler's RNG so a scenario needs one seed.
func NewFaultInjector(sampler *Sampler, sc config.Scenario) *FaultInjector {
	return &FaultInjector{sampler: sampler, sc: sc}
}

// Drop reports whether the datagram should be silently discarded.
func (f *FaultInjector) Drop() bool {
	return f.sc.DropProbability > 0 && f.sampler.uniform() < f.sc.DropProbability
}

// Duplicate reports whether the datagram should be enqueued a second time.
func (f *FaultInjector) Duplicate() bool {
	return f.sc.DuplicateProbability > 0 && f.sampler.uniform() < f.sc.DuplicateProbability
}

// MaybeDamage corrupts the payload in place with probability p_damage.
// When it fires, floor(p_damage*len) positions are drawn uniformly with
// replacement and XORed with 0xFF. Returns true if the payload was touched.
func (f *FaultInjector) MaybeDamage(payload []byte) bool {
	p := f.sc.DamageProbability
	if p <= 0 || len(payload) == 0 {
		return false
	}
	if f.sampler.uniform() >= p {
		return false
	}
	n := int(p * float64(len(payload)))
	for i := 0; i < n; i++ {
		payload[f.sampler.intn(len(payload))] ^= 0xFF
	}
	return n > 0
}
