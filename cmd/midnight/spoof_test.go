package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight/agent/internal/netadapter"
	"github.com/midnight/agent/internal/orchestrator"
)

func withSpoofFlags(t *testing.T, modules []string, noCleanup bool) {
	t.Helper()
	prevModules, prevNoCleanup := spoofModules, spoofNoCleanup
	spoofModules, spoofNoCleanup = modules, noCleanup
	t.Cleanup(func() { spoofModules, spoofNoCleanup = prevModules, prevNoCleanup })
}

func TestBuildRequestDefaults(t *testing.T) {
	withSpoofFlags(t, []string{"mac", "identifiers"}, false)
	req, err := buildRequest()
	require.NoError(t, err)
	assert.True(t, req.Enabled(orchestrator.ModuleCleanup))
	assert.True(t, req.Enabled(orchestrator.ModuleMAC))
	assert.True(t, req.Enabled(orchestrator.ModuleIdentifiers))
}

func TestBuildRequestNoCleanup(t *testing.T) {
	withSpoofFlags(t, []string{"hwid", "cleanup"}, true)
	req, err := buildRequest()
	require.NoError(t, err)
	assert.False(t, req.Enabled(orchestrator.ModuleCleanup))
	assert.False(t, req.Enabled(orchestrator.ModuleMAC))
	assert.True(t, req.Enabled(orchestrator.ModuleIdentifiers))
}

func TestBuildRequestUnknownModule(t *testing.T) {
	withSpoofFlags(t, []string{"bios"}, false)
	_, err := buildRequest()
	assert.ErrorContains(t, err, `unknown module "bios"`)
}

func TestVendorByOUI(t *testing.T) {
	intel, ok := netadapter.LookupVendor("intel")
	require.True(t, ok)
	name, ok := vendorByOUI(intel.OUI)
	assert.True(t, ok)
	assert.Equal(t, intel.Name, name)

	_, ok = vendorByOUI(netadapter.OUI{0xFE, 0xFE, 0xFE})
	assert.False(t, ok)
}

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"spoof"}, {"mac", "show"}, {"mac", "list"}, {"mac", "reset"}, {"mac", "vendors"},
		{"backups", "list"}, {"backups", "restore"}, {"backups", "purge"},
		{"history"}, {"ids", "show"}, {"ids", "preview"}, {"version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
