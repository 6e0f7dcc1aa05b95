package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultName is the provider used when none is configured.
const DefaultName = "ajaxsnapshots"

// ErrUnknownProvider is returned by Lookup for an unregistered name.
var ErrUnknownProvider = errors.New("unknown snapshot provider")

// Registry maps provider names to implementations. It is filled at startup
// and read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry holding ps, keyed by lowercased Name().
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.providers[strings.ToLower(p.Name())] = p
	}
	return r
}

// DefaultRegistry returns a registry with the built-in providers.
func DefaultRegistry() *Registry {
	return NewRegistry(AjaxSnapshots{}, Prerender{})
}

// Lookup returns the provider registered under name (case-insensitive). A
// blank name resolves to DefaultName.
func (r *Registry) Lookup(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownProvider, name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
