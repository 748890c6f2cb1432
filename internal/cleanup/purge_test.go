package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestExpand(t *testing.T) {
	p := NewPurger(nil, false, nil)
	p.lookup = envLookup(map[string]string{"LOCALAPPDATA": "/home/u/local", "EMPTY": ""})

	got, ok := p.expand(`%LOCALAPPDATA%\FiveM\cache`)
	require.True(t, ok)
	assert.Equal(t, filepath.Clean("/home/u/local/FiveM/cache"), got)

	got, ok = p.expand("$LOCALAPPDATA/x")
	require.True(t, ok)
	assert.Equal(t, filepath.Clean("/home/u/local/x"), got)

	_, ok = p.expand(`%APPDATA%\CitizenFX`)
	assert.False(t, ok, "unset variable")
	_, ok = p.expand(`%EMPTY%\x`)
	assert.False(t, ok, "empty variable")
	_, ok = p.expand("   ")
	assert.False(t, ok)
}

func TestRemoveArtifacts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ent", "license.dat"))
	writeFile(t, filepath.Join(root, "ent", "sub", "token.bin"))
	single := filepath.Join(root, "trace.log")
	writeFile(t, single)

	p := NewPurger([]string{"keep"}, false, nil)
	n, err := p.RemoveArtifacts(context.Background(), []string{
		filepath.Join(root, "ent"),
		single,
		filepath.Join(root, "missing"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoFileExists(t, single)
	assert.NoDirExists(t, filepath.Join(root, "ent", "sub"))
}

func TestPreserveKeepsParents(t *testing.T) {
	root := t.TempDir()
	keep := filepath.Join(root, "app", "bin", "CitizenFX.exe")
	writeFile(t, keep)
	writeFile(t, filepath.Join(root, "app", "bin", "crash.dmp"))

	p := NewPurger(DefaultPreserve, false, nil)
	n, err := p.RemoveArtifacts(context.Background(), []string{filepath.Join(root, "app")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, keep)
}

func TestPurgeStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "f"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPurger(nil, false, nil)
	n, err := p.RemoveArtifacts(ctx, []string{filepath.Join(root, "a")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	_, statErr := os.Stat(filepath.Join(root, "a", "f"))
	assert.NoError(t, statErr)
}

func TestMatchTarget(t *testing.T) {
	target, ok := matchTarget("EpicGamesLauncher.exe", DefaultProcessTargets)
	assert.True(t, ok)
	assert.Equal(t, "epicgameslauncher", target)
	_, ok = matchTarget("explorer.exe", DefaultProcessTargets)
	assert.False(t, ok)
	_, ok = matchTarget("anything", []string{" ", ""})
	assert.False(t, ok)
}
