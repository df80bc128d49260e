package provider

import (
	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// Registry holds the configured adapters and picks one per payout request.
type Registry struct {
	adapters map[models.PayoutMethod]Adapter
	order    []models.PayoutMethod
}

// NewRegistry registers adapters under their capability name. fallback sets the
// order tried after an affiliate's preferred method.
func NewRegistry(fallback []models.PayoutMethod, adapters ...Adapter) *Registry {
	if len(fallback) == 0 {
		fallback = models.DefaultFallbackOrder
	}
	r := &Registry{adapters: make(map[models.PayoutMethod]Adapter, len(adapters)), order: fallback}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Capability().Name] = a
	}
	return r
}

// Adapter returns the adapter registered for method.
func (r *Registry) Adapter(method models.PayoutMethod) (Adapter, bool) {
	a, ok := r.adapters[method]
	return a, ok
}

// Select returns the first adapter that supports req, trying the preferred
// method before the fallback order.
func (r *Registry) Select(req models.PayoutRequest) (Adapter, bool) {
	seen := make(map[models.PayoutMethod]struct{}, len(r.order)+1)
	candidates := make([]models.PayoutMethod, 0, len(r.order)+1)
	if req.PreferredMethod != "" {
		candidates = append(candidates, req.PreferredMethod)
	}
	candidates = append(candidates, r.order...)

	for _, method := range candidates {
		if _, dup := seen[method]; dup {
			continue
		}
		seen[method] = struct{}{}
		a, ok := r.adapters[method]
		if ok && a.Supports(req) {
			return a, true
		}
	}
	return nil, false
}

// Capabilities lists the registered rails in fallback order.
func (r *Registry) Capabilities() []models.ProviderCapability {
	caps := make([]models.ProviderCapability, 0, len(r.adapters))
	for _, method := range r.order {
		if a, ok := r.adapters[method]; ok {
			caps = append(caps, a.Capability())
		}
	}
	return caps
}
