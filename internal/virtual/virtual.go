// Package virtual evaluates computed state sources such as clocks and timers.
package virtual

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"homecore/internal/models"
)

var ErrUnknownClass = errors.New("unknown virtual device class")

// Class computes the next state of a device from its settings and previous state.
// The result is either a scalar, stored under the default channel, or a map
// stored one channel per key.
type Class interface {
	Evaluate(settings map[string]any, previous models.State) (any, error)
}

// ClassFunc adapts a function to Class
type ClassFunc func(settings map[string]any, previous models.State) (any, error)

func (f ClassFunc) Evaluate(settings map[string]any, previous models.State) (any, error) {
	return f(settings, previous)
}

// Registry maps class names to implementations
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

// NewRegistry returns a registry holding the built-in classes. now is the
// engine clock, already in the configured time zone.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := &Registry{classes: make(map[string]Class)}
	r.Register("clock", Clock{Now: now})
	r.Register("weather", ClassFunc(weather))
	r.Register("timer", Timer{Now: now})
	r.Register("jsonchannels", ClassFunc(jsonChannels))
	return r
}

// Register adds or replaces a class
func (r *Registry) Register(name string, c Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[name] = c
}

// Classes lists registered class names
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs the class of v and normalizes the result into channel state
func (r *Registry) Evaluate(v models.VirtualDevice, previous models.State) (models.State, error) {
	r.mu.RLock()
	c, ok := r.classes[v.Class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownClass, v.Class, v.ID)
	}
	if previous == nil {
		previous = models.State{}
	}
	out, err := c.Evaluate(v.Settings, previous)
	if err != nil {
		return nil, fmt.Errorf("virtual device %s: %w", v.ID, err)
	}
	return normalize(out), nil
}

func normalize(out any) models.State {
	switch x := out.(type) {
	case nil:
		return models.State{}
	case models.State:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	}
	return models.State{models.DefaultChannel: channelValue(out)}
}

func normalizeMap(m map[string]any) models.State {
	st := make(models.State, len(m))
	for k, v := range m {
		st[k] = channelValue(v)
	}
	return st
}

// channelValue keeps numbers as float64 and everything else as the string
// a device would have reported
func channelValue(v any) any {
	switch x := v.(type) {
	case string:
		return models.ParseValue(x)
	case float64:
		return x
	case float32, int, int64, bool:
		return models.ParseValue(models.FormatValue(x))
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func stringSetting(settings map[string]any, key, def string) string {
	v, ok := settings[key]
	if !ok || v == nil {
		return def
	}
	if s := models.FormatValue(v); s != "" {
		return s
	}
	return def
}
