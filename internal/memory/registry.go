package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrRegionExists is returned when registering a duplicate region name.
	ErrRegionExists = errors.New("region already registered")
	// ErrRegionNotFound is returned by Lookup for unknown names.
	ErrRegionNotFound = errors.New("region not found")
)

// Registry maps region names to regions.
type Registry struct {
	mu      sync.RWMutex
	regions map[string]*Region
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[string]*Region)}
}

// Register adds r under its name.
func (g *Registry) Register(r *Region) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.regions[r.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrRegionExists, r.Name())
	}
	g.regions[r.Name()] = r
	return nil
}

// Lookup returns the region registered under name.
func (g *Registry) Lookup(name string) (*Region, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.regions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRegionNotFound, name)
	}
	return r, nil
}

// Stats returns the statistics of every region, ordered by name.
func (g *Registry) Stats() []RegionStats {
	g.mu.RLock()
	regions := make([]*Region, 0, len(g.regions))
	for _, r := range g.regions {
		regions = append(regions, r)
	}
	g.mu.RUnlock()

	sort.Slice(regions, func(i, j int) bool { return regions[i].Name() < regions[j].Name() })
	out := make([]RegionStats, 0, len(regions))
	for _, r := range regions {
		out = append(out, r.Stats())
	}
	return out
}

// Close closes and forgets every region.
func (g *Registry) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for name, r := range g.regions {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close region %q: %w", name, err))
		}
		delete(g.regions, name)
	}
	return errors.Join(errs...)
}
