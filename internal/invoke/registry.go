package invoke

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Registry routes model ids to provider adapters. A model id may name its
// provider explicitly ("openai:gpt-4o"); otherwise the longest matching
// prefix route decides, then the default provider.
type Registry struct {
	providers       map[string]Invoker
	routes          map[string]string
	defaultProvider string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Invoker), routes: make(map[string]string)}
}

// Register adds a provider adapter. The first registered provider becomes
// the default.
func (r *Registry) Register(name string, inv Invoker) {
	r.providers[name] = inv
	if r.defaultProvider == "" {
		r.defaultProvider = name
	}
}

// Route sends model ids starting with prefix to provider.
func (r *Registry) Route(prefix, provider string) {
	r.routes[prefix] = provider
}

// SetDefault chooses the provider for unrouted model ids.
func (r *Registry) SetDefault(provider string) {
	r.defaultProvider = provider
}

// Resolve returns the provider name and provider-local model id.
func (r *Registry) Resolve(modelID string) (string, string, error) {
	if provider, local, ok := strings.Cut(modelID, ":"); ok {
		if _, known := r.providers[provider]; known {
			return provider, local, nil
		}
	}

	prefixes := make([]string, 0, len(r.routes))
	for p := range r.routes {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(modelID, p) {
			return r.routes[p], modelID, nil
		}
	}

	if r.defaultProvider == "" {
		return "", "", eris.Errorf("invoke: no provider for model %q", modelID)
	}
	return r.defaultProvider, modelID, nil
}

// Invoke implements Invoker by dispatching to the resolved provider. The
// response keeps the caller's model id.
func (r *Registry) Invoke(ctx context.Context, req Request) (*Response, error) {
	provider, local, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	inv, ok := r.providers[provider]
	if !ok {
		return nil, eris.Errorf("invoke: provider %q is not registered", provider)
	}

	original := req.Model
	req.Model = local
	resp, err := inv.Invoke(ctx, req)
	if err != nil {
		var sv *SchemaViolation
		if errors.As(err, &sv) {
			sv.Model = original
		}
		var pe *ProviderError
		if errors.As(err, &pe) {
			pe.Model = original
		}
		return nil, err
	}
	resp.Model = original
	return resp, nil
}
