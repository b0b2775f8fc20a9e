// Package directory resolves the principals of peer components by logical name.
// It is populated once at wiring time and read-only afterwards.
package directory

import (
	"fmt"
	"sort"
	"sync"

	"carbon-scribe/bridge-backend/internal/access"
)

// Logical component names.
const (
	Catalog      = "catalog"
	Batches      = "batches"
	Lots         = "lots"
	Pool         = "pool"
	Bridge       = "bridge"
	BridgeEscrow = "bridge-escrow"
)

// Resolver looks up the principal registered under a logical name.
type Resolver interface {
	Resolve(name string) (access.Identity, error)
}

// Directory is the default Resolver.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]access.Identity
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{entries: make(map[string]access.Identity)}
}

// Defaults registers every component under a principal derived from its name.
func Defaults() *Directory {
	d := New()
	for _, name := range []string{Catalog, Batches, Lots, Pool, Bridge, BridgeEscrow} {
		_ = d.Register(name, access.Identity("component:"+name))
	}
	return d
}

// Register binds name to id. Rebinding a name is rejected.
func (d *Directory) Register(name string, id access.Identity) error {
	if name == "" || id == "" {
		return fmt.Errorf("directory: name and identity are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.entries[name]; ok {
		return fmt.Errorf("directory: %q already bound to %s", name, existing)
	}
	d.entries[name] = id
	return nil
}

// Resolve implements Resolver.
func (d *Directory) Resolve(name string) (access.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.entries[name]
	if !ok {
		return "", fmt.Errorf("directory: %q is not registered", name)
	}
	return id, nil
}

// Names lists the registered logical names.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Is reports whether id is the principal registered under name.
func Is(r Resolver, name string, id access.Identity) bool {
	if r == nil {
		return false
	}
	want, err := r.Resolve(name)
	return err == nil && want == id
}
