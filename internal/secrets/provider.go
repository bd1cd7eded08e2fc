// Package secrets resolves named secrets from an external vault and
// caches them with per-secret TTLs.
package secrets

import "context"

// Provider is the external vault abstraction. Implementations fail
// with NotFound, Unauthorized or Transient kinds.
type Provider interface {
	GetPlainSecret(ctx context.Context, name string) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, name string) (string, error)

func (f ProviderFunc) GetPlainSecret(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}
