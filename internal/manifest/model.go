// Package manifest defines the deployment data model and loads the
// preprocessed per-caller configuration from the deployment root.
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deploykit/deployd/internal/derrors"
)

// Duration is a time.Duration that marshals as a Go duration string
// ("30m0s") and additionally accepts plain numbers as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return derrors.Wrap(derrors.KindMalformed, err, "parse duration")
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return derrors.New(derrors.KindMalformed, "duration must be a string or number, got %T", raw)
	}

	return nil
}

// HostParameters identify the caller host. Never mutated after
// construction.
type HostParameters struct {
	Machine         string            `json:"machine"`
	Stamp           string            `json:"stamp"`
	Ring            string            `json:"ring"`
	Environment     string            `json:"environment"`
	ConfigurationID string            `json:"configurationId"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// DeploymentParameters extend HostParameters with the caller's
// authorization material.
type DeploymentParameters struct {
	HostParameters

	AuthorizationSecretName string `json:"authorizationSecretName"`
	AuthorizationSecret     string `json:"authorizationSecret"`

	// GetContentInfoOnly suppresses uploads; entries come back without
	// download URLs.
	GetContentInfoOnly bool `json:"getContentInfoOnly"`
}

// FileSpec describes one content-addressed file. Hash is the primary
// key.
type FileSpec struct {
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// DeploymentManifest enumerates the files of each drop, keyed by drop
// URL then file relative path. The deployment configuration blob is
// stored as one of the content-addressed entries and located through
// its recorded hash.
type DeploymentManifest struct {
	Drops map[string]map[string]FileSpec `json:"drops"`

	DeploymentConfigurationHash string `json:"deploymentConfigurationHash"`
}

// SecretKind selects how a secret value is interpreted.
type SecretKind string

const (
	SecretKindPlainText SecretKind = "PlainText"
	SecretKindSasToken  SecretKind = "SasToken"
)

// SecretConfiguration names a vault secret and how long its resolved
// value may be cached.
type SecretConfiguration struct {
	Name       string     `json:"name,omitempty"`
	TimeToLive Duration   `json:"timeToLive,omitempty"`
	Kind       SecretKind `json:"kind,omitempty"`
}

// ToolConfiguration describes the command the launcher runs.
type ToolConfiguration struct {
	Executable           string            `json:"executable"`
	Arguments            []string          `json:"arguments,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`

	// SecretEnvironmentVariables maps env var names to the secrets that
	// populate them. An empty entry name defaults to the variable name.
	SecretEnvironmentVariables map[string]SecretConfiguration `json:"secretEnvironmentVariables,omitempty"`
}

// DropConfiguration maps a manifest drop URL onto a target directory.
type DropConfiguration struct {
	URL                string `json:"url,omitempty"`
	TargetRelativePath string `json:"targetRelativePath,omitempty"`
}

// ProxyServiceConfiguration describes the proxy endpoint peers expose.
type ProxyServiceConfiguration struct {
	Port                   int      `json:"port"`
	DeploymentServiceURL   string   `json:"deploymentServiceUrl,omitempty"`
	ProxyAddressTimeToLive Duration `json:"proxyAddressTimeToLive,omitempty"`
}

// ProxyConfiguration enables peer-proxied downloads for a fleet.
type ProxyConfiguration struct {
	Domain               string                    `json:"domain,omitempty"`
	Seeds                int                       `json:"seeds"`
	FanOutFactor         int                       `json:"fanOutFactor"`
	TargetRelativePath   string                    `json:"targetRelativePath,omitempty"`
	ServiceConfiguration ProxyServiceConfiguration `json:"serviceConfiguration"`
}

// DeploymentConfiguration is the preprocessed, per-caller view of the
// deployment.
type DeploymentConfiguration struct {
	Tool  ToolConfiguration   `json:"tool"`
	Drops []DropConfiguration `json:"drops,omitempty"`

	AzureStorageSecretInfo SecretConfiguration `json:"azureStorageSecretInfo"`

	AuthorizationSecretNames      []string `json:"authorizationSecretNames,omitempty"`
	AuthorizationSecretTimeToLive Duration `json:"authorizationSecretTimeToLive,omitempty"`

	KeyVaultURI string `json:"keyVaultUri,omitempty"`

	SasURLTimeToLive Duration `json:"sasUrlTimeToLive,omitempty"`

	Proxy *ProxyConfiguration `json:"proxy,omitempty"`
}

// LauncherManifest is the service's response: the catalogue of files
// the caller must materialise to run the tool.
type LauncherManifest struct {
	ContentID string              `json:"contentId"`
	Tool      ToolConfiguration   `json:"tool"`
	Drops     []DropConfiguration `json:"drops,omitempty"`

	// Deployment maps target relative paths to their file specs.
	Deployment map[string]FileSpec `json:"deployment"`

	// IsComplete reports whether every entry carries its download URL;
	// false tells the polling client to come back.
	IsComplete bool `json:"isComplete"`
}

// ParseDeploymentManifest decodes a manifest leniently, ignoring
// unknown fields.
func ParseDeploymentManifest(data []byte) (*DeploymentManifest, error) {
	var m DeploymentManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, derrors.Wrap(derrors.KindMalformed, err, "parse deployment manifest")
	}
	if m.DeploymentConfigurationHash == "" {
		return nil, derrors.New(derrors.KindMalformed, "deployment manifest has no configuration hash")
	}

	return &m, nil
}

// ParseDeploymentConfiguration decodes a preprocessed configuration.
func ParseDeploymentConfiguration(data []byte) (*DeploymentConfiguration, error) {
	var c DeploymentConfiguration
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, derrors.Wrap(derrors.KindMalformed, err, "parse deployment configuration")
	}

	return &c, nil
}

func (p HostParameters) String() string {
	return fmt.Sprintf("machine=%s stamp=%s ring=%s environment=%s", p.Machine, p.Stamp, p.Ring, p.Environment)
}
