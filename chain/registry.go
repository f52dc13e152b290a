package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound indicates that no chain is registered under the requested name.
var ErrNotFound = errors.New("chain: not found")

// Registry is a read-only set of chain configurations keyed by name.
type Registry struct {
	chains map[string]Config
}

// NewRegistry validates and indexes the supplied configurations.
func NewRegistry(configs ...Config) (*Registry, error) {
	chains := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		key := normaliseName(cfg.Name)
		if _, exists := chains[key]; exists {
			return nil, fmt.Errorf("%w: duplicate chain %s", ErrInvalidConfig, cfg.Name)
		}
		chains[key] = cfg.Clone()
	}
	return &Registry{chains: chains}, nil
}

// FromSpecs builds a registry from on-disk records.
func FromSpecs(specs []Spec) (*Registry, error) {
	configs := make([]Config, 0, len(specs))
	for _, spec := range specs {
		cfg, err := spec.Build()
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return NewRegistry(configs...)
}

// Get returns a copy of the named configuration.
func (r *Registry) Get(name string) (Config, error) {
	if r == nil {
		return Config{}, ErrNotFound
	}
	cfg, ok := r.chains[normaliseName(name)]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return cfg.Clone(), nil
}

// Names lists registered chains in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for _, cfg := range r.chains {
		names = append(names, cfg.Name)
	}
	sort.Strings(names)
	return names
}

// ByKind returns copies of every configuration with the given kind.
func (r *Registry) ByKind(kind Kind) []Config {
	if r == nil {
		return nil
	}
	out := make([]Config, 0)
	for _, name := range r.Names() {
		cfg := r.chains[normaliseName(name)]
		if cfg.Kind == kind {
			out = append(out, cfg.Clone())
		}
	}
	return out
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
