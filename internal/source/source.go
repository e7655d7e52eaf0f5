// Package source tracks which data sources are registered and which source
// types may operate on this device.
package source

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Type identifies a kind of data source.
type Type struct {
	Producer       string `json:"producer"`
	Model          string `json:"model"`
	CatalogVersion string `json:"catalog_version,omitempty"`
	// RequiresRegistration is false for sources that may always operate.
	RequiresRegistration bool `json:"requires_registration"`
	// DynamicRegistration allows new sources of this type to register at runtime.
	DynamicRegistration bool `json:"dynamic_registration"`
}

// Matches compares producer and model case-insensitively, and the catalog
// version too when checkVersion is set.
func (t Type) Matches(o Type, checkVersion bool) bool {
	if !strings.EqualFold(t.Producer, o.Producer) || !strings.EqualFold(t.Model, o.Model) {
		return false
	}
	return !checkVersion || strings.EqualFold(t.CatalogVersion, o.CatalogVersion)
}

func (t Type) String() string {
	if t.CatalogVersion == "" {
		return t.Producer + "/" + t.Model
	}
	return t.Producer + "/" + t.Model + "@" + t.CatalogVersion
}

// Metadata describes a registered source.
type Metadata struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       Type              `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Authorized reports whether a source of type id may operate. Types that need
// no registration always may. Otherwise a registered source must match id and
// a declared type that allows dynamic registration must match id as well.
func Authorized(id Type, registered []Metadata, types []Type, checkVersion bool) bool {
	if !id.RequiresRegistration {
		return true
	}
	sourceMatch := false
	for _, m := range registered {
		if m.Type.Matches(id, checkVersion) {
			sourceMatch = true
			break
		}
	}
	if !sourceMatch {
		return false
	}
	for _, t := range types {
		if t.DynamicRegistration && t.Matches(id, checkVersion) {
			return true
		}
	}
	return false
}

// Registry holds registered sources and declared source types.
type Registry struct {
	mu      sync.RWMutex
	types   []Type
	sources map[string]Metadata
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Metadata)}
}

// DeclareType adds t to the declared types unless an identical one exists.
func (r *Registry) DeclareType(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.types {
		if existing == t {
			return
		}
	}
	r.types = append(r.types, t)
}

// Register adds or replaces the source with m.ID.
func (r *Registry) Register(m Metadata) error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("source: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[m.ID]; !ok {
		r.order = append(r.order, m.ID)
	}
	m.Attributes = copyAttrs(m.Attributes)
	r.sources[m.ID] = m
	return nil
}

// RegisterSource implements the registrar used by the status aggregator.
func (r *Registry) RegisterSource(ctx context.Context, m Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Register(m); err != nil {
		return err
	}
	log.Info().Str("source_id", m.ID).Str("source_name", m.Name).
		Str("source_type", m.Type.String()).Msg("source registered")
	return nil
}

// Sources returns the registered sources in registration order.
func (r *Registry) Sources() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.order))
	for _, id := range r.order {
		m := r.sources[id]
		m.Attributes = copyAttrs(m.Attributes)
		out = append(out, m)
	}
	return out
}

// Types returns the declared source types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Type(nil), r.types...)
}

// Authorized applies Authorized to the registry's current contents.
func (r *Registry) Authorized(id Type, checkVersion bool) bool {
	return Authorized(id, r.Sources(), r.Types(), checkVersion)
}

func copyAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
