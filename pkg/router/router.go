package router

// Router resolves client-facing model aliases to the name the backend
// expects. It is a pure rename — which backend serves the request is fixed
// by configuration, not chosen here.
type Router struct {
	aliases map[string]string
}

// New creates a Router from an alias map. A nil map means passthrough.
func New(aliases map[string]string) *Router {
	return &Router{aliases: aliases}
}

// Resolve returns the backend model name for the requested one. Unaliased
// models pass through unchanged.
func (r *Router) Resolve(requestedModel string) string {
	if target, ok := r.aliases[requestedModel]; ok && target != "" {
		return target
	}
	return requestedModel
}
