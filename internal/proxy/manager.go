// Package proxy deterministically assigns caller machines to peer
// proxies so established machines serve content to newer ones instead
// of everyone hitting central storage.
package proxy

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/deploykit/deployd/internal/cache"
	"github.com/deploykit/deployd/internal/clock"
	"github.com/deploykit/deployd/internal/manifest"
)

// DefaultProxyAddressTimeToLive bounds how long one topology epoch
// lives before the index space rotates and reforms after fleet churn.
const DefaultProxyAddressTimeToLive = 30 * time.Minute

// topology tracks the machines of one stamp+domain cohort in insertion
// order. Each machine gets a stable zero-based index the first time it
// is observed, and its proxy pick is frozen for the epoch.
type topology struct {
	mu          sync.Mutex
	indices     map[string]int
	machines    []string
	assignments map[string]string
}

func newTopology() *topology {
	return &topology{
		indices:     make(map[string]int),
		assignments: make(map[string]string),
	}
}

// Manager resolves a caller machine to its proxy base address for the
// current epoch, or to nothing when the caller is a seed.
type Manager struct {
	topologies *cache.VolatileMap[*topology]
}

// NewManager creates a manager whose epochs are timed by clk.
func NewManager(clk clock.Clock) *Manager {
	return &Manager{
		topologies: cache.NewVolatileMap[*topology](clk),
	}
}

// GetBaseAddress returns the proxy base address for the caller, or
// ok=false when no proxy is configured or the caller is a seed and
// fetches from central storage directly.
//
// Non-seed machines draw from the cohort [index/fanOut,
// min(index, index/fanOut+fanOut)): each machine leans on peers with
// smaller indices, so arrivals fan out in a tree rooted at the seeds.
func (m *Manager) GetBaseAddress(params manifest.HostParameters, config *manifest.ProxyConfiguration) (string, bool) {
	if config == nil {
		return "", false
	}

	top := m.topologyFor(params.Stamp+config.Domain, config)

	top.mu.Lock()
	defer top.mu.Unlock()

	index, known := top.indices[params.Machine]
	if !known {
		index = len(top.machines)
		top.indices[params.Machine] = index
		top.machines = append(top.machines, params.Machine)
	}

	if index < config.Seeds {
		return "", false
	}

	if address, done := top.assignments[params.Machine]; done {
		return address, address != ""
	}

	address := m.pickAddress(top, index, config)
	top.assignments[params.Machine] = address

	return address, address != ""
}

// GetDefaultBaseAddress returns the service's own URL as the fallback
// content source, normalised to end in "/".
func GetDefaultBaseAddress(config *manifest.ProxyConfiguration) string {
	if config == nil || config.ServiceConfiguration.DeploymentServiceURL == "" {
		return ""
	}

	url := config.ServiceConfiguration.DeploymentServiceURL
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}

	return url
}

func (m *Manager) topologyFor(key string, config *manifest.ProxyConfiguration) *topology {
	ttl := config.ServiceConfiguration.ProxyAddressTimeToLive.Std()
	if ttl <= 0 {
		ttl = DefaultProxyAddressTimeToLive
	}

	for {
		if top, ok := m.topologies.TryGet(key); ok {
			return top
		}

		fresh := newTopology()
		if m.topologies.TryAdd(key, fresh, ttl) {
			return fresh
		}
	}
}

// pickAddress chooses uniformly from the caller's cohort. Called with
// top.mu held.
func (m *Manager) pickAddress(top *topology, index int, config *manifest.ProxyConfiguration) string {
	fanOut := config.FanOutFactor
	if fanOut < 1 {
		return GetDefaultBaseAddress(config)
	}

	lo := index / fanOut
	hi := min(index, lo+fanOut)
	if hi <= lo {
		// Degenerate cohort (a machine would be assigned itself); fall
		// back to drawing from the service directly.
		return GetDefaultBaseAddress(config)
	}

	peer := top.machines[lo+rand.IntN(hi-lo)]

	return fmt.Sprintf("http://%s:%d/", peer, config.ServiceConfiguration.Port)
}
