package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/deploykit/deployd/internal/cache"
	"github.com/deploykit/deployd/internal/clock"
	"github.com/deploykit/deployd/internal/derrors"
	"github.com/deploykit/deployd/internal/manifest"
	"github.com/deploykit/deployd/internal/secrets"
	"github.com/deploykit/deployd/pkg/logger"
)

// Registry caches one started CentralStorage per storage secret name.
// Handles expire with the secret's TTL so rotated keys are picked up.
type Registry struct {
	secrets   *secrets.Cache
	construct Constructor
	log       logger.Logger

	handles *cache.VolatileMap[*cache.LazyFuture[CentralStorage]]
}

// NewRegistry creates a registry that resolves connection strings
// through secretCache and opens handles with construct.
func NewRegistry(clk clock.Clock, secretCache *secrets.Cache, construct Constructor, log logger.Logger) *Registry {
	return &Registry{
		secrets:   secretCache,
		construct: construct,
		log:       log,
		handles:   cache.NewVolatileMap[*cache.LazyFuture[CentralStorage]](clk),
	}
}

// LoadStorage returns the cached handle for the storage secret, opening
// and starting a fresh one on miss. Concurrent callers share a single
// startup.
func (r *Registry) LoadStorage(ctx context.Context, provider secrets.Provider, info manifest.SecretConfiguration) (CentralStorage, error) {
	ttl := info.TimeToLive.Std()
	if ttl <= 0 {
		ttl = secrets.DefaultSecretTTL
	}

	return cache.GetOrCompute(ctx, r.handles, info.Name, ttl, func(ctx context.Context) (CentralStorage, error) {
		connectionString, err := r.secrets.GetSecret(ctx, provider, info)
		if err != nil {
			return nil, err
		}

		handle, err := r.construct(ctx, connectionString, ContainerName)
		if err != nil {
			return nil, derrors.Wrap(derrors.KindTransient, err, "open storage "+info.Name)
		}

		if err := handle.Startup(ctx); err != nil {
			return nil, derrors.Wrap(derrors.KindTransient, err, "start storage "+info.Name)
		}

		r.log.Info(ctx, "Opened central storage",
			zap.String("secretName", info.Name),
			zap.String("container", ContainerName),
		)

		return handle, nil
	})
}
