// Package state holds the mutable runtime state shared between the
// interposition surface, the CLI and the control API: the active scenario
// and the traffic statistics.
package state

import (
	"sync"

	"socketretarder/config"
	"socketretarder/delay"
)

// ScenarioState is the thread-safe holder of the active delay/fault
// scenario. The samplers are rebuilt on every swap so the surface always
// draws from the parameters the operator last applied.
type ScenarioState struct {
	mu      sync.RWMutex
	sc      config.Scenario
	sampler *delay.Sampler
	faults  *delay.FaultInjector
}

// NewScenarioState validates and installs the initial scenario.
func NewScenarioState(sc config.Scenario) (*ScenarioState, error) {
	st := &ScenarioState{}
	if err := st.Swap(sc); err != nil {
		return nil, err
	}
	return st, nil
}

// Scenario returns a copy of the active scenario.
func (st *ScenarioState) Scenario() config.Scenario {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sc
}

// Samplers returns the active delay sampler and fault injector. Both stay
// valid after a swap; callers just stop seeing them handed out.
func (st *ScenarioState) Samplers() (*delay.Sampler, *delay.FaultInjector) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sampler, st.faults
}

// Swap validates and installs a new scenario. The previous one stays active
// until validation passes.
func (st *ScenarioState) Swap(sc config.Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	sampler := delay.NewSampler(sc)
	faults := delay.NewFaultInjector(sampler, sc)

	st.mu.Lock()
	st.sc = sc
	st.sampler = sampler
	st.faults = faults
	st.mu.Unlock()
	return nil
}

// Snapshot is a point-in-time copy of the traffic counters, shaped for the
// control API.
type Snapshot struct {
	ConnectionsDiverted  int64 `json:"connectionsDiverted"`
	ConnectFailures      int64 `json:"connectFailures"`
	DatagramsEnqueued    int64 `json:"datagramsEnqueued"`
	DatagramsDropped     int64 `json:"datagramsDropped"`
	DatagramsDamaged     int64 `json:"datagramsDamaged"`
	DatagramsDuplicated  int64 `json:"datagramsDuplicated"`
	DatagramsSent        int64 `json:"datagramsSent"`
	DatagramSendErrors   int64 `json:"datagramSendErrors"`
	BytesClientToServer  int64 `json:"bytesClientToServer"`
	BytesServerToClient  int64 `json:"bytesServerToClient"`
	DelayedMilliseconds  int64 `json:"delayedMilliseconds"`
	PendingAccountingErr int64 `json:"pendingAccountingErrors"`
}

// Stats accumulates traffic counters behind one mutex.
type Stats struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Stats) add(f func(*Snapshot)) {
	s.mu.Lock()
	f(&s.snap)
	s.mu.Unlock()
}

func (s *Stats) ConnectionDiverted() { s.add(func(v *Snapshot) { v.ConnectionsDiverted++ }) }
func (s *Stats) ConnectFailed()      { s.add(func(v *Snapshot) { v.ConnectFailures++ }) }
func (s *Stats) DatagramEnqueued()   { s.add(func(v *Snapshot) { v.DatagramsEnqueued++ }) }
func (s *Stats) DatagramDropped()    { s.add(func(v *Snapshot) { v.DatagramsDropped++ }) }
func (s *Stats) DatagramDamaged()    { s.add(func(v *Snapshot) { v.DatagramsDamaged++ }) }
func (s *Stats) DatagramDuplicated() { s.add(func(v *Snapshot) { v.DatagramsDuplicated++ }) }
func (s *Stats) DatagramSent()       { s.add(func(v *Snapshot) { v.DatagramsSent++ }) }
func (s *Stats) DatagramSendError()  { s.add(func(v *Snapshot) { v.DatagramSendErrors++ }) }
func (s *Stats) AccountingError()    { s.add(func(v *Snapshot) { v.PendingAccountingErr++ }) }

func (s *Stats) RelayedClientToServer(n int64) {
	s.add(func(v *Snapshot) { v.BytesClientToServer += n })
}

func (s *Stats) RelayedServerToClient(n int64) {
	s.add(func(v *Snapshot) { v.BytesServerToClient += n })
}

func (s *Stats) Delayed(ms int64) {
	s.add(func(v *Snapshot) { v.DelayedMilliseconds += ms })
}
