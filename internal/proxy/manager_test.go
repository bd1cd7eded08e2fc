package proxy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploykit/deployd/internal/clock"
	"github.com/deploykit/deployd/internal/manifest"
)

func proxyConfig(seeds, fanOut int) *manifest.ProxyConfiguration {
	return &manifest.ProxyConfiguration{
		Domain:       "fleet-a",
		Seeds:        seeds,
		FanOutFactor: fanOut,
		ServiceConfiguration: manifest.ProxyServiceConfiguration{
			Port:                   5050,
			DeploymentServiceURL:   "https://deploy.example",
			ProxyAddressTimeToLive: manifest.Duration(30 * time.Minute),
		},
	}
}

func hostParams(machine string) manifest.HostParameters {
	return manifest.HostParameters{Machine: machine, Stamp: "stamp-eu"}
}

func TestGetBaseAddressTopology(t *testing.T) {
	manager := NewManager(clock.NewFake(time.Unix(1700000000, 0)))
	config := proxyConfig(1, 2)

	// Observe machines in order m0..m3 so their indices are stable.
	address0, ok := manager.GetBaseAddress(hostParams("m0"), config)
	assert.False(t, ok, "m0 is a seed")
	assert.Empty(t, address0)

	address1, ok := manager.GetBaseAddress(hostParams("m1"), config)
	require.True(t, ok)
	assert.Equal(t, "http://m0:5050/", address1, "m1 draws from cohort [0,1)")

	address2, ok := manager.GetBaseAddress(hostParams("m2"), config)
	require.True(t, ok)
	assert.Equal(t, "http://m1:5050/", address2, "m2 draws from cohort [1,2)")

	address3, ok := manager.GetBaseAddress(hostParams("m3"), config)
	require.True(t, ok)
	assert.Contains(t, []string{"http://m1:5050/", "http://m2:5050/"}, address3, "m3 draws from cohort [1,3)")
}

func TestGetBaseAddressDeterministicWithinEpoch(t *testing.T) {
	manager := NewManager(clock.NewFake(time.Unix(1700000000, 0)))
	config := proxyConfig(1, 2)

	for i := range 8 {
		manager.GetBaseAddress(hostParams(fmt.Sprintf("m%d", i)), config)
	}

	first, ok := manager.GetBaseAddress(hostParams("m5"), config)
	require.True(t, ok)

	for range 20 {
		again, ok := manager.GetBaseAddress(hostParams("m5"), config)
		require.True(t, ok)
		assert.Equal(t, first, again, "assignment is frozen for the epoch")
	}
}

func TestGetBaseAddressNoProxyConfigured(t *testing.T) {
	manager := NewManager(clock.NewFake(time.Unix(1700000000, 0)))

	_, ok := manager.GetBaseAddress(hostParams("m0"), nil)
	assert.False(t, ok)
}

func TestGetBaseAddressAllSeeds(t *testing.T) {
	manager := NewManager(clock.NewFake(time.Unix(1700000000, 0)))
	config := proxyConfig(10, 2)

	for i := range 5 {
		_, ok := manager.GetBaseAddress(hostParams(fmt.Sprintf("m%d", i)), config)
		assert.False(t, ok, "seeds >= machine count means every machine goes direct")
	}
}

func TestGetBaseAddressDegenerateCohortFallsBack(t *testing.T) {
	manager := NewManager(clock.NewFake(time.Unix(1700000000, 0)))
	config := proxyConfig(0, 1)

	// With no seeds and fan-out one, each machine's cohort collapses to
	// itself; the service URL is the fallback.
	address, ok := manager.GetBaseAddress(hostParams("m0"), config)
	require.True(t, ok)
	assert.Equal(t, "https://deploy.example/", address)
}

func TestGetBaseAddressDegenerateCohortNoServiceURL(t *testing.T) {
	manager := NewManager(clock.NewFake(time.Unix(1700000000, 0)))
	config := proxyConfig(0, 1)
	config.ServiceConfiguration.DeploymentServiceURL = ""

	_, ok := manager.GetBaseAddress(hostParams("m0"), config)
	assert.False(t, ok)
}

func TestTopologyRotatesAfterTTL(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	manager := NewManager(clk)
	config := proxyConfig(1, 2)

	manager.GetBaseAddress(hostParams("m0"), config)
	_, ok := manager.GetBaseAddress(hostParams("m1"), config)
	require.True(t, ok)

	clk.Advance(31 * time.Minute)

	// After rotation the index space restarts: the first machine seen
	// becomes the seed regardless of the previous epoch.
	_, ok = manager.GetBaseAddress(hostParams("m1"), config)
	assert.False(t, ok, "m1 is index 0 in the new epoch and now a seed")
}

func TestTopologiesIsolatedByStampAndDomain(t *testing.T) {
	manager := NewManager(clock.NewFake(time.Unix(1700000000, 0)))
	config := proxyConfig(1, 2)

	paramsEU := manifest.HostParameters{Machine: "m", Stamp: "stamp-eu"}
	paramsUS := manifest.HostParameters{Machine: "m", Stamp: "stamp-us"}

	_, ok := manager.GetBaseAddress(paramsEU, config)
	assert.False(t, ok, "first machine of stamp-eu is its seed")

	_, ok = manager.GetBaseAddress(paramsUS, config)
	assert.False(t, ok, "stamps keep independent index spaces")
}
