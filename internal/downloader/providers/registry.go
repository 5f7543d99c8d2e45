package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vrsandeep/mango-archiver/internal/models"
)

// Registry holds the providers known to the application, keyed by id.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]models.Provider)}
}

// Register adds a new provider to the registry. It's called at startup.
func (r *Registry) Register(p models.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := p.GetInfo()
	if _, exists := r.providers[info.ID]; exists {
		// Panic is appropriate here as it's a developer error during setup.
		panic(fmt.Sprintf("provider with ID '%s' is already registered", info.ID))
	}
	r.providers[info.ID] = p
}

// Get returns a provider by its ID.
func (r *Registry) Get(id string) (models.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// GetAll returns information for all registered providers, sorted by id.
func (r *Registry) GetAll() []models.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	providers := make([]models.ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p.GetInfo())
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID < providers[j].ID })
	return providers
}

// UnregisterAll removes every provider.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]models.Provider)
}
