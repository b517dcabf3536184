// Package sgt owns the Security Group Tag registry and the binding of
// batch clusters to stable tags across runs.
package sgt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/clarion/pkg/models"
)

// Registry errors.
var (
	ErrExhausted = errors.New("sgt: value space exhausted")
	ErrNameTaken = errors.New("sgt: name already registered")
	ErrNotFound  = errors.New("sgt: no such tag")
)

// Registry allocates tag values sequentially above a configurable base.
// Values are never reused or renumbered: a deprecated tag keeps its value
// forever so history rows stay resolvable. Value 0 is reserved for
// "unknown" and never allocated.
type Registry struct {
	mu     sync.RWMutex
	next   uint16
	tags   map[uint16]models.SGT
	byName map[string]uint16
}

// NewRegistry starts allocation at base (minimum 2; 0 is the unknown
// bucket and 1 is conventionally reserved by fabric vendors).
func NewRegistry(base uint16) *Registry {
	if base < 2 {
		base = 2
	}
	return &Registry{
		next:   base,
		tags:   make(map[uint16]models.SGT),
		byName: make(map[string]uint16),
	}
}

// Allocate mints a new active tag with the next free value.
func (r *Registry) Allocate(name, category, description string, now time.Time) (models.SGT, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return models.SGT{}, fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	if r.next == 0 {
		// next wrapped past 65535 on a previous allocation
		return models.SGT{}, ErrExhausted
	}
	tag := models.SGT{
		Value:       r.next,
		Name:        name,
		Category:    category,
		Description: description,
		Active:      true,
		CreatedAt:   now,
	}
	r.tags[tag.Value] = tag
	r.byName[name] = tag.Value
	r.next++ // wraps to 0 at 65535, caught on the next call
	return tag, nil
}

// Restore installs a tag as loaded from persistence, advancing the
// allocation cursor past it. Used at startup only.
func (r *Registry) Restore(tag models.SGT) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[tag.Value] = tag
	r.byName[tag.Name] = tag.Value
	if tag.Value >= r.next {
		r.next = tag.Value + 1
	}
}

// Lookup returns the tag for a value.
func (r *Registry) Lookup(value uint16) (models.SGT, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tags[value]
	return t, ok
}

// ByName returns the active tag registered under name.
func (r *Registry) ByName(name string) (models.SGT, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byName[name]
	if !ok {
		return models.SGT{}, false
	}
	return r.tags[v], true
}

// Deprecate marks a tag inactive. The value stays registered.
func (r *Registry) Deprecate(value uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[value]
	if !ok {
		return ErrNotFound
	}
	t.Active = false
	r.tags[value] = t
	return nil
}

// List returns all tags sorted by value.
func (r *Registry) List() []models.SGT {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SGT, 0, len(r.tags))
	for _, t := range r.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
