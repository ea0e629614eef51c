// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package agents

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"agentflow/platform/shared/events"
	"agentflow/platform/shared/faults"
)

// DefaultSweepInterval is how often the registry re-evaluates agent health
// when no interval is configured.
const DefaultSweepInterval = 30 * time.Second

// entry tracks one registered agent. The registry references the agent,
// it does not own it.
type entry struct {
	agent        *Agent
	registeredAt time.Time
	lastSeen     time.Time
	healthy      bool
}

// EntryInfo is a read-only snapshot of one registry entry.
type EntryInfo struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// RegistryStats provides statistics about the registry
type RegistryStats struct {
	AgentCount    int           `json:"agent_count"`
	HealthyCount  int           `json:"healthy_count"`
	SweepInterval time.Duration `json:"sweep_interval"`
	LastSweep     time.Time     `json:"last_sweep"`
}

// Registry is the directory of registered agents with thread-safe access.
// It tracks per-agent heartbeats and runs a periodic sweep that flips
// entries between healthy and unhealthy, publishing transition events.
type Registry struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	order         []string // registration order, for stable iteration
	sweepInterval time.Duration
	lastSweep     time.Time
	bus           *events.Bus
	logger        *log.Logger

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRegistry creates a registry publishing lifecycle events on bus.
// A nil bus disables event publication.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		entries:       make(map[string]*entry),
		order:         make([]string, 0),
		sweepInterval: DefaultSweepInterval,
		bus:           bus,
		logger:        log.New(os.Stdout, "[AGENT_REGISTRY] ", log.LstdFlags),
	}
}

// SetSweepInterval overrides the health-sweep interval. Must be called
// before Start; non-positive values are ignored.
func (r *Registry) SetSweepInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepInterval = d
}

// Register adds an agent to the registry. The entry starts healthy with
// lastSeen set to now.
func (r *Registry) Register(a *Agent) error {
	if a == nil {
		return fmt.Errorf("agent cannot be nil")
	}

	r.mu.Lock()
	if _, exists := r.entries[a.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("agent %q is already registered", a.ID())
	}

	now := time.Now()
	r.entries[a.ID()] = &entry{
		agent:        a,
		registeredAt: now,
		lastSeen:     now,
		healthy:      true,
	}
	r.order = append(r.order, a.ID())
	r.mu.Unlock()

	a.Heartbeat()
	r.logger.Printf("registered agent %s (%s)", a.Name(), a.ID())
	r.publish(events.Event{
		Type:    events.AgentRegistered,
		AgentID: a.ID(),
		Data:    map[string]interface{}{"name": a.Name()},
	})
	return nil
}

// Unregister removes an agent by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	ent, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return faults.NewNotFoundError("agent", id)
	}

	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Printf("unregistered agent %s (%s)", ent.agent.Name(), id)
	r.publish(events.Event{
		Type:    events.AgentUnregistered,
		AgentID: id,
		Data:    map[string]interface{}{"name": ent.agent.Name()},
	})
	return nil
}

// Get returns a registered agent by id.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, exists := r.entries[id]
	if !exists {
		return nil, faults.NewNotFoundError("agent", id)
	}
	return ent.agent, nil
}

// GetAll returns every registered agent in registration order.
func (r *Registry) GetAll() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		agents = append(agents, r.entries[id].agent)
	}
	return agents
}

// Healthy returns the currently healthy agents in registration order.
func (r *Registry) Healthy() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		if ent := r.entries[id]; ent.healthy {
			agents = append(agents, ent.agent)
		}
	}
	return agents
}

// FindByCapability returns agents whose name, description, or capability
// tags contain the given tag, matched case-insensitively.
func (r *Registry) FindByCapability(tag string) []*Agent {
	needle := strings.ToLower(strings.TrimSpace(tag))
	if needle == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Agent
	for _, id := range r.order {
		a := r.entries[id].agent
		if strings.Contains(strings.ToLower(a.Name()), needle) ||
			strings.Contains(strings.ToLower(a.Description()), needle) {
			matches = append(matches, a)
			continue
		}
		for _, capability := range a.Capabilities() {
			if strings.Contains(strings.ToLower(capability), needle) {
				matches = append(matches, a)
				break
			}
		}
	}
	return matches
}

// UpdateHeartbeat refreshes an agent's lastSeen timestamp. An unhealthy
// entry is restored to healthy immediately rather than waiting for the
// next sweep.
func (r *Registry) UpdateHeartbeat(id string) error {
	r.mu.Lock()
	ent, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return faults.NewNotFoundError("agent", id)
	}

	ent.lastSeen = time.Now()
	recovered := !ent.healthy
	if recovered {
		ent.healthy = true
	}
	r.mu.Unlock()

	ent.agent.Heartbeat()
	if recovered {
		r.logger.Printf("agent %s is healthy again", id)
		r.publish(events.Event{
			Type:    events.AgentHealthy,
			AgentID: id,
			Data:    map[string]interface{}{"name": ent.agent.Name()},
		})
	}
	return nil
}

// IsHealthy reports whether the agent is registered and currently healthy.
func (r *Registry) IsHealthy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ent, exists := r.entries[id]
	return exists && ent.healthy
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// HealthyCount returns the number of currently healthy agents.
func (r *Registry) HealthyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, ent := range r.entries {
		if ent.healthy {
			count++
		}
	}
	return count
}

// Entries returns a snapshot of all registry entries in registration order.
func (r *Registry) Entries() []EntryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]EntryInfo, 0, len(r.order))
	for _, id := range r.order {
		ent := r.entries[id]
		infos = append(infos, EntryInfo{
			AgentID:      id,
			Name:         ent.agent.Name(),
			RegisteredAt: ent.registeredAt,
			LastSeen:     ent.lastSeen,
			Healthy:      ent.healthy,
		})
	}
	return infos
}

// Stats returns current registry statistics
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	healthy := 0
	for _, ent := range r.entries {
		if ent.healthy {
			healthy++
		}
	}
	return RegistryStats{
		AgentCount:    len(r.entries),
		HealthyCount:  healthy,
		SweepInterval: r.sweepInterval,
		LastSweep:     r.lastSweep,
	}
}

// Start launches the periodic health sweep. The sweep stops when ctx is
// cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	interval := r.sweepInterval
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C:
				r.Sweep(now)
			}
		}
	}()
	r.logger.Printf("health sweep started (interval %s)", interval)
}

// Stop halts the periodic health sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
	r.logger.Printf("health sweep stopped")
}

// Sweep recomputes health for every entry: entries not seen within twice
// the sweep interval become unhealthy, stale entries that have reported in
// again become healthy. Transition events are published for each flip.
func (r *Registry) Sweep(now time.Time) {
	type transition struct {
		id      string
		name    string
		healthy bool
	}

	r.mu.Lock()
	cutoff := 2 * r.sweepInterval
	r.lastSweep = now

	var flips []transition
	for _, id := range r.order {
		ent := r.entries[id]
		stale := now.Sub(ent.lastSeen) > cutoff
		switch {
		case ent.healthy && stale:
			ent.healthy = false
			flips = append(flips, transition{id: id, name: ent.agent.Name(), healthy: false})
		case !ent.healthy && !stale:
			ent.healthy = true
			flips = append(flips, transition{id: id, name: ent.agent.Name(), healthy: true})
		}
	}
	r.mu.Unlock()

	for _, f := range flips {
		if f.healthy {
			r.logger.Printf("agent %s is healthy again", f.id)
			r.publish(events.Event{
				Type:    events.AgentHealthy,
				AgentID: f.id,
				Data:    map[string]interface{}{"name": f.name},
			})
		} else {
			r.logger.Printf("agent %s marked unhealthy (no heartbeat within %s)", f.id, cutoff)
			r.publish(events.Event{
				Type:    events.AgentUnhealthy,
				AgentID: f.id,
				Data:    map[string]interface{}{"name": f.name},
			})
		}
	}
}

func (r *Registry) publish(evt events.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}
