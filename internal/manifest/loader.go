package manifest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/deploykit/deployd/internal/cache"
	"github.com/deploykit/deployd/internal/clock"
	"github.com/deploykit/deployd/internal/contenthash"
	"github.com/deploykit/deployd/internal/derrors"
	"github.com/deploykit/deployd/pkg/logger"
)

// ManifestFileName is the manifest's location at the top of the
// deployment root.
const ManifestFileName = "DeploymentManifest.json"

const (
	manifestCacheKey = "deployment-manifest"

	// DefaultManifestCacheTTL bounds how stale the on-disk manifest view
	// may get between re-reads.
	DefaultManifestCacheTTL = 5 * time.Minute
)

type manifestSnapshot struct {
	manifest  *DeploymentManifest
	rawConfig string
}

// LoadResult is the per-caller view the loader produces.
type LoadResult struct {
	Manifest      *DeploymentManifest
	Configuration *DeploymentConfiguration

	// ContentID identifies the preprocessed configuration text.
	ContentID string

	// RawConfiguration is the unpreprocessed configuration blob as
	// stored in the deployment root.
	RawConfiguration string
}

// Loader reads the deployment manifest and configuration from disk,
// caching the raw pair and preprocessing it per caller.
type Loader struct {
	root string
	log  logger.Logger
	ttl  time.Duration

	snapshots *cache.VolatileMap[*cache.LazyFuture[manifestSnapshot]]
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithManifestCacheTTL overrides the manifest re-read interval.
// Non-positive values keep the default.
func WithManifestCacheTTL(ttl time.Duration) LoaderOption {
	return func(l *Loader) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// NewLoader creates a loader for the given deployment root.
func NewLoader(root string, clk clock.Clock, log logger.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		root:      root,
		log:       log,
		ttl:       DefaultManifestCacheTTL,
		snapshots: cache.NewVolatileMap[*cache.LazyFuture[manifestSnapshot]](clk),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Load returns the manifest, the caller's preprocessed configuration
// and its content id. Missing files, malformed JSON and unresolvable
// preprocessor tokens are fatal for the request.
func (l *Loader) Load(ctx context.Context, params HostParameters) (*LoadResult, error) {
	snapshot, err := cache.GetOrCompute(ctx, l.snapshots, manifestCacheKey, l.ttl, l.readSnapshot)
	if err != nil {
		return nil, err
	}

	preprocessed, err := Preprocess(snapshot.rawConfig, params)
	if err != nil {
		return nil, err
	}

	configuration, err := ParseDeploymentConfiguration([]byte(preprocessed))
	if err != nil {
		return nil, err
	}

	return &LoadResult{
		Manifest:         snapshot.manifest,
		Configuration:    configuration,
		ContentID:        contenthash.ContentID([]byte(preprocessed)),
		RawConfiguration: snapshot.rawConfig,
	}, nil
}

func (l *Loader) readSnapshot(ctx context.Context) (manifestSnapshot, error) {
	manifestPath := filepath.Join(l.root, ManifestFileName)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return manifestSnapshot{}, classifyReadError(err, "read deployment manifest")
	}

	parsed, err := ParseDeploymentManifest(data)
	if err != nil {
		return manifestSnapshot{}, err
	}

	configRel := contenthash.AddressedPath(parsed.DeploymentConfigurationHash)
	configPath := filepath.Join(l.root, filepath.FromSlash(configRel))

	rawConfig, err := os.ReadFile(configPath)
	if err != nil {
		return manifestSnapshot{}, classifyReadError(err, "read deployment configuration")
	}

	l.log.Debug(ctx, "Loaded deployment manifest",
		zap.String("root", l.root),
		zap.Int("drops", len(parsed.Drops)),
		zap.String("configurationHash", parsed.DeploymentConfigurationHash),
	)

	return manifestSnapshot{manifest: parsed, rawConfig: string(rawConfig)}, nil
}

func classifyReadError(err error, msg string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return derrors.Wrap(derrors.KindNotFound, err, msg)
	}

	return derrors.Wrap(derrors.KindTransient, err, msg)
}
