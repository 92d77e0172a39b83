package plugin

import (
	xerrors "PluginHub/internal/errors"
)

// Registry holds the authoritative set of installed plugin descriptors.
// It is populated once during startup and never mutated afterwards, so
// lookups are safe for unsynchronized concurrent use.
type Registry struct {
	byID  map[string]Descriptor
	order []string
}

// NewRegistry builds a registry from the discovered descriptors. Duplicate
// ids and empty ids are rejected so a broken discovery source cannot shadow
// an installed plugin.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin id cannot be empty")
		}
		if _, exists := r.byID[d.ID]; exists {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "plugin %s registered twice", d.ID)
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		r.byID[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Resolve returns the descriptor for id.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, xerrors.Newf(xerrors.CodeUnknownPlugin, "plugin %s not registered", id)
	}
	return d, nil
}

// Supports reports whether the plugin declares the capability.
func (r *Registry) Supports(id string, cap Capability) (bool, error) {
	d, err := r.Resolve(id)
	if err != nil {
		return false, err
	}
	return d.HasCapability(cap), nil
}

// RequireCapability resolves the plugin and fails unless it declares the
// capability. Used by the manager to gate every operation.
func (r *Registry) RequireCapability(id string, cap Capability) (Descriptor, error) {
	d, err := r.Resolve(id)
	if err != nil {
		return Descriptor{}, err
	}
	if !d.HasCapability(cap) {
		return Descriptor{}, xerrors.Newf(xerrors.CodeCapabilityUnsupported, "plugin %s does not support %s", id, cap)
	}
	return d, nil
}
