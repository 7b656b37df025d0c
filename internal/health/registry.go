package health

import (
	"sync"
	"time"

	"ScreenPulse/internal/domain/models"
)

// ComponentHealth is the tracked state of one component.
type ComponentHealth struct {
	Healthy    bool      `json:"healthy"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorCount uint64    `json:"error_count"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Registry aggregates per-component up/down status and a rolling window of
// cycle metric samples. Read by the autoscaler and the control surface.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	samples    []models.MetricSample
	maxSamples int
}

// NewRegistry creates a registry keeping the last maxSamples cycle samples.
func NewRegistry(maxSamples int) *Registry {
	if maxSamples <= 0 {
		maxSamples = 60
	}
	return &Registry{
		components: make(map[string]*ComponentHealth),
		maxSamples: maxSamples,
	}
}

// SetHealthy marks a component up.
func (r *Registry) SetHealthy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.component(name)
	if !c.Healthy {
		c.Healthy = true
		c.ChangedAt = time.Now()
	}
}

// SetUnhealthy marks a component down and records the error.
func (r *Registry) SetUnhealthy(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.component(name)
	if c.Healthy {
		c.Healthy = false
		c.ChangedAt = time.Now()
	}
	if err != nil {
		c.LastError = err.Error()
	}
	c.ErrorCount++
}

// RecordError counts a fault without flipping the component down.
func (r *Registry) RecordError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.component(name)
	if err != nil {
		c.LastError = err.Error()
	}
	c.ErrorCount++
}

func (r *Registry) component(name string) *ComponentHealth {
	c, ok := r.components[name]
	if !ok {
		c = &ComponentHealth{Healthy: true, ChangedAt: time.Now()}
		r.components[name] = c
	}
	return c
}

// AddSample appends one cycle's metric sample to the rolling window.
func (r *Registry) AddSample(s models.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	if len(r.samples) > r.maxSamples {
		r.samples = r.samples[len(r.samples)-r.maxSamples:]
	}
}

// LastSample returns the most recent sample, if any.
func (r *Registry) LastSample() (models.MetricSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.samples) == 0 {
		return models.MetricSample{}, false
	}
	return r.samples[len(r.samples)-1], true
}

// Healthy reports whether every tracked component is up.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.components {
		if !c.Healthy {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of all component states.
func (r *Registry) Snapshot() map[string]ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ComponentHealth, len(r.components))
	for name, c := range r.components {
		out[name] = *c
	}
	return out
}
