package transport

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDriverExists  = errors.New("transport: driver already registered")
	ErrDriverNil     = errors.New("transport: driver is nil")
	ErrInvalidDriver = errors.New("transport: invalid driver id")
	ErrUnknownDriver = errors.New("transport: unknown driver")
)

// Registry stores transport dialers by stable identifier.
// Registration happens once at process boot; the registry is not safe for
// concurrent mutation.
type Registry struct {
	items map[string]Dialer
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Dialer)}
}

// Register adds a dialer under a stable driver id.
func (r *Registry) Register(id string, d Dialer) error {
	if d == nil {
		return ErrDriverNil
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDriver, id)
	}
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: %s", ErrDriverExists, id)
	}
	r.items[id] = d
	return nil
}

// Resolve returns a dialer by id.
func (r *Registry) Resolve(id string) (Dialer, bool) {
	d, ok := r.items[id]
	return d, ok
}

// IDs returns deterministic driver id ordering.
func (r *Registry) IDs() []string {
	list := make([]string, 0, len(r.items))
	for id := range r.items {
		list = append(list, id)
	}
	sort.Strings(list)
	return list
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
