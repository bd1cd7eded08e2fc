package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deploykit/deployd/internal/cache"
	"github.com/deploykit/deployd/internal/clock"
	"github.com/deploykit/deployd/internal/derrors"
	"github.com/deploykit/deployd/internal/manifest"
	"github.com/deploykit/deployd/pkg/logger"
)

const (
	// DefaultSecretTTL applies when a secret configuration carries no
	// TTL of its own.
	DefaultSecretTTL = 5 * time.Minute

	sasSecretSuffix          = "-sas"
	connectionStringPrefix   = "DefaultEndpointsProtocol="
	connectionStringTemplate = "DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net"
)

// Cache deduplicates and TTL-bounds secret retrieval. Entries are
// keyed by (name, kind); concurrent requests for the same secret share
// one vault round trip per TTL epoch.
type Cache struct {
	log     logger.Logger
	futures *cache.VolatileMap[*cache.LazyFuture[string]]
}

// NewCache creates an empty secret cache.
func NewCache(clk clock.Clock, log logger.Logger) *Cache {
	return &Cache{
		log:     log,
		futures: cache.NewVolatileMap[*cache.LazyFuture[string]](clk),
	}
}

// GetSecret resolves the configured secret through provider. For
// SasToken secrets the name must end in "-sas" (case-insensitive) and
// the raw account access key is wrapped into a storage connection
// string unless the vault already holds one. PlainText values are
// returned verbatim.
func (c *Cache) GetSecret(ctx context.Context, provider Provider, config manifest.SecretConfiguration) (string, error) {
	kind := config.Kind
	if kind == "" {
		kind = manifest.SecretKindPlainText
	}

	if kind == manifest.SecretKindSasToken && !strings.HasSuffix(strings.ToLower(config.Name), sasSecretSuffix) {
		return "", derrors.New(derrors.KindMalformed, "storage secret name %q must end in %q", config.Name, sasSecretSuffix)
	}

	ttl := config.TimeToLive.Std()
	if ttl <= 0 {
		ttl = DefaultSecretTTL
	}

	key := config.Name + "|" + string(kind)

	return cache.GetOrCompute(ctx, c.futures, key, ttl, func(ctx context.Context) (string, error) {
		value, err := provider.GetPlainSecret(ctx, config.Name)
		if err != nil {
			c.log.Warn(ctx, "Secret retrieval failed", zap.String("name", config.Name), zap.Error(err))

			return "", derrors.Wrap(derrors.KindTransient, err, "resolve secret "+config.Name)
		}

		if kind == manifest.SecretKindSasToken {
			return formatConnectionString(config.Name, value), nil
		}

		return value, nil
	})
}

// formatConnectionString wraps a raw account access key into a full
// storage connection string. The account name is the secret name with
// the "-sas" suffix stripped.
func formatConnectionString(secretName, value string) string {
	if strings.HasPrefix(value, connectionStringPrefix) {
		return value
	}

	accountName := secretName[:len(secretName)-len(sasSecretSuffix)]

	return fmt.Sprintf(connectionStringTemplate, accountName, value)
}
