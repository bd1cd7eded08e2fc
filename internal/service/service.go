// Package service exposes the deployment service facade: the stable
// surface the transport layer publishes to callers.
package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"path"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deploykit/deployd/internal/cfg"
	"github.com/deploykit/deployd/internal/clock"
	"github.com/deploykit/deployd/internal/contenthash"
	"github.com/deploykit/deployd/internal/derrors"
	"github.com/deploykit/deployd/internal/manifest"
	"github.com/deploykit/deployd/internal/proxy"
	"github.com/deploykit/deployd/internal/queue"
	"github.com/deploykit/deployd/internal/secrets"
	"github.com/deploykit/deployd/internal/storage"
	"github.com/deploykit/deployd/internal/upload"
	"github.com/deploykit/deployd/pkg/logger"
)

// DeploymentService orchestrates manifest loading, secret resolution,
// storage access, uploads and proxy assignment behind four operations.
type DeploymentService struct {
	loader   *manifest.Loader
	secrets  *secrets.Cache
	storages *storage.Registry
	uploads  *upload.Coordinator
	tokens   *upload.TokenRegistry
	proxies  *proxy.Manager
	provider secrets.Provider
	log      logger.Logger
}

// Params wires a DeploymentService together.
type Params struct {
	Config             cfg.Config
	Provider           secrets.Provider
	StorageConstructor storage.Constructor

	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to the process logger.
	Logger logger.Logger
}

// New builds the full component graph.
func New(p Params) *DeploymentService {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := p.Logger
	if log == nil {
		log = logger.L()
	}

	secretCache := secrets.NewCache(clk, log)
	tokens := upload.NewTokenRegistry()
	uploadQueue := queue.NewActionQueue(p.Config.UploadParallelism)

	return &DeploymentService{
		loader: manifest.NewLoader(p.Config.DeploymentRoot, clk, log,
			manifest.WithManifestCacheTTL(p.Config.ManifestCacheTTL)),
		secrets:  secretCache,
		storages: storage.NewRegistry(clk, secretCache, p.StorageConstructor, log),
		uploads:  upload.NewCoordinator(p.Config.DeploymentRoot, clk, uploadQueue, tokens, log),
		tokens:   tokens,
		proxies:  proxy.NewManager(clk),
		provider: p.Provider,
		log:      log,
	}
}

// IsAuthorized reports whether the caller presented a whitelisted
// secret name and the matching value. Mismatches yield false with no
// further detail.
func (s *DeploymentService) IsAuthorized(ctx context.Context, params manifest.DeploymentParameters) (bool, error) {
	result, err := s.loader.Load(ctx, params.HostParameters)
	if err != nil {
		return false, err
	}

	config := result.Configuration
	if !slices.Contains(config.AuthorizationSecretNames, params.AuthorizationSecretName) {
		s.log.Warn(ctx, "Authorization with unknown secret name",
			zap.String("machine", params.Machine),
			zap.String("secretName", params.AuthorizationSecretName),
		)

		return false, nil
	}

	expected, err := s.secrets.GetSecret(ctx, s.provider, manifest.SecretConfiguration{
		Name:       params.AuthorizationSecretName,
		TimeToLive: config.AuthorizationSecretTimeToLive,
		Kind:       manifest.SecretKindPlainText,
	})
	if err != nil {
		return false, err
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(params.AuthorizationSecret)) != 1 {
		s.log.Warn(ctx, "Authorization with wrong secret value",
			zap.String("machine", params.Machine),
			zap.String("secretName", params.AuthorizationSecretName),
		)

		return false, nil
	}

	return true, nil
}

type deploymentEntry struct {
	targetPath string
	file       manifest.FileSpec
}

// UploadFilesAndGetManifest builds the caller's launcher manifest,
// ensuring each referenced file has a downloadable URL. With
// waitForCompletion every entry carries its URL on return; otherwise
// pending uploads continue in the background and IsComplete signals
// the client to poll.
func (s *DeploymentService) UploadFilesAndGetManifest(
	ctx context.Context,
	params manifest.DeploymentParameters,
	waitForCompletion bool,
) (*manifest.LauncherManifest, error) {
	requestID := uuid.NewString()

	result, err := s.loader.Load(ctx, params.HostParameters)
	if err != nil {
		return nil, err
	}
	config := result.Configuration

	launcher := &manifest.LauncherManifest{
		ContentID:  result.ContentID,
		Tool:       launcherTool(config.Tool),
		Drops:      config.Drops,
		Deployment: make(map[string]manifest.FileSpec),
		IsComplete: true,
	}

	if err := s.resolveSecretEnvironment(ctx, config, launcher); err != nil {
		return nil, err
	}

	store, err := s.storages.LoadStorage(ctx, s.provider, config.AzureStorageSecretInfo)
	if err != nil {
		return nil, err
	}

	proxyBase, proxied := s.proxies.GetBaseAddress(params.HostParameters, config.Proxy)

	entries := collectEntries(result)

	if params.GetContentInfoOnly {
		for _, entry := range entries {
			launcher.Deployment[entry.targetPath] = manifest.FileSpec{Hash: entry.file.Hash, Size: entry.file.Size}
		}

		return launcher, nil
	}

	if waitForCompletion {
		err = s.resolveAll(ctx, entries, config, store, proxyBase, proxied, launcher)
		if err != nil {
			return nil, err
		}
	} else {
		s.resolveAvailable(ctx, entries, config, store, proxyBase, proxied, launcher)
	}

	s.log.Info(ctx, "Served launcher manifest",
		zap.String("requestId", requestID),
		zap.String("machine", params.Machine),
		zap.String("contentId", launcher.ContentID),
		zap.Int("files", len(entries)),
		zap.Int("resolved", len(launcher.Deployment)),
		zap.Bool("isComplete", launcher.IsComplete),
	)

	return launcher, nil
}

// GetProxyBaseAddress returns the caller's proxy base address, or the
// empty string when the caller fetches from storage directly.
func (s *DeploymentService) GetProxyBaseAddress(ctx context.Context, params manifest.DeploymentParameters) (string, error) {
	result, err := s.loader.Load(ctx, params.HostParameters)
	if err != nil {
		return "", err
	}

	address, _ := s.proxies.GetBaseAddress(params.HostParameters, result.Configuration.Proxy)

	return address, nil
}

// TryGetDownloadUrl resolves a proxy access token to the real signed
// URL. Unknown tokens fail Unauthorized.
func (s *DeploymentService) TryGetDownloadUrl(_ context.Context, token string) (string, error) {
	return s.tokens.TryGetDownloadUrl(token)
}

// launcherTool copies the tool configuration with a private environment
// map, leaving the loaded configuration untouched and the secret
// bindings out of the response.
func launcherTool(tool manifest.ToolConfiguration) manifest.ToolConfiguration {
	environment := make(map[string]string, len(tool.EnvironmentVariables))
	for key, value := range tool.EnvironmentVariables {
		environment[key] = value
	}

	return manifest.ToolConfiguration{
		Executable:           tool.Executable,
		Arguments:            tool.Arguments,
		EnvironmentVariables: environment,
	}
}

// resolveSecretEnvironment populates secret-backed environment
// variables and suffixes the content id so callers observe a new
// deployment identity when the secret set changes.
func (s *DeploymentService) resolveSecretEnvironment(
	ctx context.Context,
	config *manifest.DeploymentConfiguration,
	launcher *manifest.LauncherManifest,
) error {
	bindings := config.Tool.SecretEnvironmentVariables
	if len(bindings) == 0 {
		return nil
	}

	for key, secretConfig := range bindings {
		if secretConfig.Name == "" {
			secretConfig.Name = key
		}

		value, err := s.secrets.GetSecret(ctx, s.provider, secretConfig)
		if err != nil {
			return err
		}

		launcher.Tool.EnvironmentVariables[key] = value
		if secretConfig.Kind == manifest.SecretKindSasToken {
			launcher.Tool.EnvironmentVariables[key+"_ResourceType"] = "storagekey"
		}
	}

	encoded, err := json.Marshal(launcher.Tool.EnvironmentVariables)
	if err != nil {
		return derrors.Wrap(derrors.KindFatal, err, "encode environment variables")
	}

	launcher.ContentID += "_" + contenthash.ContentID(encoded)

	return nil
}

// collectEntries flattens the configured drops into (file, target path)
// pairs, appending the deployment configuration file itself when a
// proxy is configured so peers can bootstrap from each other.
func collectEntries(result *manifest.LoadResult) []deploymentEntry {
	var entries []deploymentEntry

	for _, drop := range result.Configuration.Drops {
		if drop.URL == "" {
			continue
		}
		for name, file := range result.Manifest.Drops[drop.URL] {
			entries = append(entries, deploymentEntry{
				targetPath: path.Join(drop.TargetRelativePath, name),
				file:       file,
			})
		}
	}

	if p := result.Configuration.Proxy; p != nil {
		entries = append(entries, deploymentEntry{
			targetPath: p.TargetRelativePath,
			file: manifest.FileSpec{
				Hash: result.Manifest.DeploymentConfigurationHash,
				Size: int64(len(result.RawConfiguration)),
			},
		})
	}

	return entries
}

// resolveAll awaits every entry's download info.
func (s *DeploymentService) resolveAll(
	ctx context.Context,
	entries []deploymentEntry,
	config *manifest.DeploymentConfiguration,
	store storage.CentralStorage,
	proxyBase string,
	proxied bool,
	launcher *manifest.LauncherManifest,
) error {
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)

	for _, entry := range entries {
		group.Go(func() error {
			info, err := s.uploads.EnsureUploaded(groupCtx, entry.file, config, store)
			if err != nil {
				return err
			}

			mu.Lock()
			launcher.Deployment[entry.targetPath] = resolvedSpec(entry.file, info, proxyBase, proxied)
			mu.Unlock()

			return nil
		})
	}

	return group.Wait()
}

// resolveAvailable serves what the upload cache already holds and
// starts background jobs for the rest.
func (s *DeploymentService) resolveAvailable(
	ctx context.Context,
	entries []deploymentEntry,
	config *manifest.DeploymentConfiguration,
	store storage.CentralStorage,
	proxyBase string,
	proxied bool,
	launcher *manifest.LauncherManifest,
) {
	background := context.WithoutCancel(ctx)

	for _, entry := range entries {
		if info, ok := s.uploads.Peek(entry.file, config); ok {
			launcher.Deployment[entry.targetPath] = resolvedSpec(entry.file, info, proxyBase, proxied)

			continue
		}

		launcher.IsComplete = false

		go func() {
			if _, err := s.uploads.EnsureUploaded(background, entry.file, config, store); err != nil {
				s.log.Warn(background, "Background upload failed",
					zap.String("hash", entry.file.Hash),
					zap.Error(err),
				)
			}
		}()
	}
}

// resolvedSpec builds the final file spec, routing the URL through the
// caller's peer proxy when one is assigned.
func resolvedSpec(file manifest.FileSpec, info upload.DownloadInfo, proxyBase string, proxied bool) manifest.FileSpec {
	url := info.DownloadURL
	if proxied {
		url = proxyBase + "content?hash=" + file.Hash + "&token=" + info.AccessToken
	}

	return manifest.FileSpec{Hash: file.Hash, Size: file.Size, DownloadURL: url}
}
