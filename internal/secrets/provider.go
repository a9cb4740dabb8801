package secrets

import "context"

// Resolver exposes the store behind the interface MCP header resolution
// consumes (internal/agent/mcp.SecretResolver): reveal by secret id.
type Resolver struct {
	store SecretStore
}

// NewResolver wraps a store for secret:// reference resolution.
func NewResolver(store SecretStore) *Resolver {
	return &Resolver{store: store}
}

// Reveal returns the decrypted value for a secret id.
func (r *Resolver) Reveal(ctx context.Context, id string) (string, error) {
	return r.store.Reveal(ctx, id)
}

// EnvMap renders every stored secret as ENV_KEY=value pairs for executor
// spawns. User-stored secrets take precedence over the system environment;
// the caller merges accordingly.
func (r *Resolver) EnvMap(ctx context.Context) (map[string]string, error) {
	items, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(items))
	for _, item := range items {
		if !item.HasValue {
			continue
		}
		value, err := r.store.Reveal(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		env[item.EnvKey] = value
	}
	return env, nil
}
