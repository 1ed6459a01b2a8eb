// Package health aggregates per-subsystem probes for the health endpoint.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a subsystem. It must honor ctx deadlines.
type Checker func(ctx context.Context) Status

type probe struct {
	name string
	run  Checker
}

// Registry runs registered probes on demand, in registration order.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe under the given name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, probe{name: name, run: check})
}

// CheckAll probes every subsystem. The aggregate is healthy only when
// every individual probe is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	all := true
	out := make([]Status, 0, len(probes))
	for _, p := range probes {
		st := p.run(ctx)
		if !st.Healthy {
			all = false
		}
		out = append(out, st)
	}
	return all, out
}
