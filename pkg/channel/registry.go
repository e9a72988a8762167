package channel

import (
	"sort"
	"sync"

	"github.com/billm/switchboard/pkg/types"
)

// Registry tracks the live channels of a broker.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	max      int
}

// NewRegistry creates a registry. max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		channels: make(map[string]Channel),
		max:      max,
	}
}

// Add registers ch. It fails when the id is already present or the
// registry is full.
func (r *Registry) Add(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[ch.ID()]; exists {
		return types.NewError(types.ErrCodeInvalidArgument, "channel already registered: "+ch.ID())
	}
	if r.max > 0 && len(r.channels) >= r.max {
		return types.NewError(types.ErrCodeUnavailable, "channel limit reached")
	}
	r.channels[ch.ID()] = ch
	return nil
}

// Remove unregisters the channel with id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[id]; !ok {
		return false
	}
	delete(r.channels, id)
	return true
}

// Len returns the number of registered channels
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// IDs returns the registered channel ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll closes and unregisters every channel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
