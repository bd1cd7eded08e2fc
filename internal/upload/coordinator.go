package upload

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/deploykit/deployd/internal/cache"
	"github.com/deploykit/deployd/internal/clock"
	"github.com/deploykit/deployd/internal/contenthash"
	"github.com/deploykit/deployd/internal/derrors"
	"github.com/deploykit/deployd/internal/manifest"
	"github.com/deploykit/deployd/internal/queue"
	"github.com/deploykit/deployd/internal/storage"
	"github.com/deploykit/deployd/pkg/logger"
)

// DefaultSasURLTimeToLive applies when the configuration carries no SAS
// TTL of its own.
const DefaultSasURLTimeToLive = time.Hour

// DownloadInfo pairs a signed download URL with the access token that
// resolves back to it through the token registry.
type DownloadInfo struct {
	DownloadURL string
	AccessToken string
}

// Coordinator ensures each referenced file is present in central
// storage at most once per (account, hash) and TTL epoch, while many
// manifest requests fan in concurrently.
type Coordinator struct {
	root   string
	clock  clock.Clock
	queue  *queue.ActionQueue
	tokens *TokenRegistry
	log    logger.Logger

	downloads *cache.VolatileMap[*cache.LazyFuture[DownloadInfo]]
}

// NewCoordinator creates a coordinator reading local files under root.
func NewCoordinator(root string, clk clock.Clock, q *queue.ActionQueue, tokens *TokenRegistry, log logger.Logger) *Coordinator {
	return &Coordinator{
		root:      root,
		clock:     clk,
		queue:     q,
		tokens:    tokens,
		log:       log,
		downloads: cache.NewVolatileMap[*cache.LazyFuture[DownloadInfo]](clk),
	}
}

func downloadKey(accountSecretName, hash string) string {
	return accountSecretName + "|" + hash
}

func sasTTL(config *manifest.DeploymentConfiguration) time.Duration {
	if ttl := config.SasURLTimeToLive.Std(); ttl > 0 {
		return ttl
	}

	return DefaultSasURLTimeToLive
}

// EnsureUploaded guarantees the file is downloadable and returns its
// URL and access token. The cached entry lives for sasUrlTimeToLive,
// but the issued URL expires at 2x that, so even a hit served at the
// very end of the epoch still has a full TTL of life left.
func (c *Coordinator) EnsureUploaded(
	ctx context.Context,
	file manifest.FileSpec,
	config *manifest.DeploymentConfiguration,
	store storage.CentralStorage,
) (DownloadInfo, error) {
	ttl := sasTTL(config)
	key := downloadKey(config.AzureStorageSecretInfo.Name, file.Hash)

	return cache.GetOrCompute(ctx, c.downloads, key, ttl, func(ctx context.Context) (DownloadInfo, error) {
		return queue.RunIn(ctx, c.queue, func(ctx context.Context) (DownloadInfo, error) {
			return c.upload(ctx, file, store, ttl)
		})
	})
}

// Peek returns the cached download info without blocking, for partial
// manifest views. ok is false while no finished value is cached.
func (c *Coordinator) Peek(file manifest.FileSpec, config *manifest.DeploymentConfiguration) (DownloadInfo, bool) {
	future, ok := c.downloads.TryGet(downloadKey(config.AzureStorageSecretInfo.Name, file.Hash))
	if !ok {
		return DownloadInfo{}, false
	}

	info, err, done := future.Peek()
	if !done || err != nil {
		return DownloadInfo{}, false
	}

	return info, true
}

func (c *Coordinator) upload(ctx context.Context, file manifest.FileSpec, store storage.CentralStorage, ttl time.Duration) (DownloadInfo, error) {
	relativePath := contenthash.AddressedPath(file.Hash)
	expiry := c.clock.Now().Add(2 * ttl)

	url, ok, err := store.TryGetSasUrl(ctx, relativePath, expiry)
	if err != nil {
		return DownloadInfo{}, derrors.Wrap(derrors.KindTransient, err, "mint download url for "+relativePath)
	}

	if !ok {
		localPath := filepath.Join(c.root, filepath.FromSlash(relativePath))
		if err := store.UploadFile(ctx, localPath, relativePath); err != nil {
			return DownloadInfo{}, derrors.Wrap(derrors.KindTransient, err, "upload "+relativePath)
		}

		c.log.Info(ctx, "Uploaded deployment file",
			zap.String("hash", file.Hash),
			zap.Int64("size", file.Size),
		)

		url, ok, err = store.TryGetSasUrl(ctx, relativePath, expiry)
		if err != nil {
			return DownloadInfo{}, derrors.Wrap(derrors.KindTransient, err, "mint download url after upload of "+relativePath)
		}
		if !ok {
			return DownloadInfo{}, derrors.New(derrors.KindTransient, "object %s absent right after upload", relativePath)
		}
	}

	token := newAccessToken()
	c.tokens.Register(token, url, ttl*3/2)

	return DownloadInfo{DownloadURL: url, AccessToken: token}, nil
}
