// Package cfg parses service configuration from the environment.
package cfg

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// DeploymentRoot is the read-only directory holding the manifest
	// and content-addressed files.
	DeploymentRoot string `env:"DEPLOYMENT_ROOT,required,notEmpty"`

	// UploadParallelism bounds concurrent uploads to central storage.
	UploadParallelism int64 `env:"UPLOAD_PARALLELISM" envDefault:"1"`

	// ManifestCacheTTL is how long the on-disk manifest snapshot is
	// reused before re-reading.
	ManifestCacheTTL time.Duration `env:"MANIFEST_CACHE_TTL" envDefault:"5m"`
}

func Parse() (Config, error) {
	var config Config
	err := env.Parse(&config)

	return config, err
}
