package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight/agent/internal/fault"
	"github.com/midnight/agent/internal/registry"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, []Category{WindowsSystem, ProductID, RockstarGames, FiveM}, c.Categories())
	assert.Len(t, c.ByCategory(RockstarGames), 5)
	assert.Len(t, c.ByCategory(FiveM), 2)

	pid := c.ByCategory(ProductID)
	require.Len(t, pid, 1)
	assert.True(t, pid[0].Critical)

	targets := c.Targets()
	targets[0].Description = "changed"
	assert.Equal(t, "Windows Machine GUID", c.Targets()[0].Description)
}

func TestDefaultPlanAlwaysRegeneratesProductID(t *testing.T) {
	absent := func(Target) (bool, error) { return false, nil }
	plan, err := NewPlan(Default(), RandomGenerator{}, absent)
	require.NoError(t, err)

	var pids []string
	for _, a := range plan.Assignments {
		if a.Target.Category == ProductID {
			pids = append(pids, a.Value)
		}
	}
	require.Len(t, pids, 1)
	assert.True(t, ValidProductID(pids[0]), pids[0])
	for _, sk := range plan.Skipped {
		assert.NotEqual(t, ProductID, sk.Target.Category)
	}
}

func TestNewRejectsBadTables(t *testing.T) {
	a := target(registry.LocalMachine, `SOFTWARE\X`, "Id", FiveM, false, "a")
	dup := target(registry.LocalMachine, `software\x`, "ID", RockstarGames, false, "dup")
	_, err := New(a, dup)
	assert.ErrorContains(t, err, "listed twice")

	dword := a
	dword.Type = registry.REG_DWORD
	_, err = New(dword)
	assert.Error(t, err)

	unknown := a
	unknown.Category = Category(99)
	_, err = New(unknown)
	assert.Error(t, err)

	_, err = New()
	assert.Error(t, err)
}

// seqGenerator returns canned values in order, then falls back to random.
type seqGenerator struct{ values []string }

func (g *seqGenerator) Generate(s Strategy) (string, error) {
	if len(g.values) > 0 {
		v := g.values[0]
		g.values = g.values[1:]
		return v, nil
	}
	return RandomGenerator{}.Generate(s)
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	hklm := registry.LocalMachine
	c, err := New(
		target(hklm, `SOFTWARE\Vendor\A`, "GUID", RockstarGames, true, "vendor a"),
		target(hklm, `SOFTWARE\Vendor\B`, "GUID", RockstarGames, true, "vendor b"),
		target(hklm, `SOFTWARE\Sys`, "MachineGuid", WindowsSystem, true, "system"),
		target(hklm, `SOFTWARE\Sys\One`, "ProductId", ProductID, true, "pid one"),
		target(hklm, `SOFTWARE\Sys\Two`, "ProductId", ProductID, true, "pid two"),
		target(registry.CurrentUser, `Software\Game`, "guid", FiveM, false, "optional game"),
	)
	require.NoError(t, err)
	return c
}

func TestPlanCategoryConsistency(t *testing.T) {
	c := testCatalog(t)
	plan, err := NewPlan(c, RandomGenerator{}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 6)

	byDesc := make(map[string]string)
	for _, a := range plan.Assignments {
		byDesc[a.Target.Description] = a.Value
	}
	assert.Equal(t, byDesc["vendor a"], byDesc["vendor b"])
	assert.NotEqual(t, byDesc["vendor a"], byDesc["system"])
	assert.NotEqual(t, byDesc["pid one"], byDesc["pid two"])
	assert.True(t, ValidProductID(byDesc["pid one"]))

	ops := plan.Ops()
	require.Len(t, ops, 6)
	w, ok := ops[0].(registry.Write)
	require.True(t, ok)
	assert.Equal(t, registry.REG_SZ, w.Value.Type)
}

func TestPlanRegeneratesCollisions(t *testing.T) {
	c := testCatalog(t)
	gen := &seqGenerator{values: []string{"SAME", "same", "other"}}
	plan, err := NewPlan(c, gen, nil)
	require.NoError(t, err)
	assert.Equal(t, "SAME", plan.Values[RockstarGames])
	assert.Equal(t, "other", plan.Values[WindowsSystem])
}

func TestPlanGivesUpOnStuckGenerator(t *testing.T) {
	c := testCatalog(t)
	vals := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		vals = append(vals, "stuck")
	}
	_, err := NewPlan(c, &seqGenerator{values: vals}, nil)
	assert.ErrorContains(t, err, "no distinct value")
}

func TestPlanSkipsAbsentOptionalTargets(t *testing.T) {
	c := testCatalog(t)
	plan, err := NewPlan(c, RandomGenerator{}, func(Target) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Len(t, plan.Assignments, 5)
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "optional game", plan.Skipped[0].Target.Description)
}

func TestTargetRender(t *testing.T) {
	sqm := Default().Targets()[1]
	assert.True(t, sqm.Braced)
	assert.Equal(t, "{ABC}", sqm.Render("ABC"))
	assert.Equal(t, "ABC", Target{}.Render("ABC"))
}

type fakeCleaner struct {
	calls int
	paths []string
	err   error
}

func (f *fakeCleaner) RemoveArtifacts(_ context.Context, paths []string) (int, error) {
	f.calls++
	f.paths = paths
	return len(paths), f.err
}

func newStore(t *testing.T, be registry.Backend) *registry.Store {
	t.Helper()
	s, err := registry.NewStore(be, t.TempDir(), registry.WithElevationCheck(func() error { return nil }))
	require.NoError(t, err)
	return s
}

func TestRewrite(t *testing.T) {
	be := registry.NewMemoryBackend()
	for _, tg := range testCatalog(t).Targets() {
		require.NoError(t, be.Set(tg.Addr, registry.String("old-"+tg.Description)))
	}
	store := newStore(t, be)
	cleaner := &fakeCleaner{}
	r := NewRewriter(store, testCatalog(t), WithArtifacts(cleaner, []string{"/tmp/a", "/tmp/b"}))

	res, err := r.Rewrite(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Backup)
	assert.Equal(t, 2, res.ArtifactsRemoved)
	assert.Equal(t, 1, cleaner.calls)

	readings, err := Snapshot(store, testCatalog(t))
	require.NoError(t, err)
	for _, rd := range readings {
		assert.True(t, rd.Present)
		assert.False(t, strings.HasPrefix(rd.Value, "old-"), rd.Target.Description)
	}
	assert.Equal(t, readings[0].Value, readings[1].Value)

	// The backup restores the previous identifiers.
	_, err = store.Restore(res.Backup.Handle)
	require.NoError(t, err)
	v, err := store.Read(readings[0].Target.Addr)
	require.NoError(t, err)
	assert.Equal(t, "old-vendor a", v.Data)
}

func TestRewriteIsAtomic(t *testing.T) {
	be := registry.NewMemoryBackend()
	c := testCatalog(t)
	for _, tg := range c.Targets() {
		require.NoError(t, be.Set(tg.Addr, registry.String("old-"+tg.Description)))
	}
	boom := errors.New("access violation")
	be.FailOn(c.Targets()[4].Addr, boom)
	cleaner := &fakeCleaner{}
	r := NewRewriter(newStore(t, be), c, WithArtifacts(cleaner, []string{"/tmp/a"}))

	_, err := r.Rewrite(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrTransactionFailure))
	assert.True(t, errors.Is(err, boom))
	assert.Zero(t, cleaner.calls)

	for _, tg := range c.Targets() {
		v, err := be.Get(tg.Addr)
		require.NoError(t, err)
		assert.Equal(t, "old-"+tg.Description, v.Data)
	}
}

func TestRewriteCleanupFailureKeepsRegistryChanges(t *testing.T) {
	be := registry.NewMemoryBackend()
	store := newStore(t, be)
	cleaner := &fakeCleaner{err: errors.New("file in use")}
	r := NewRewriter(store, testCatalog(t), WithArtifacts(cleaner, []string{"/tmp/a"}))

	res, err := r.Rewrite(context.Background())
	require.NoError(t, err)
	assert.Error(t, res.CleanupErr)

	// Critical targets were created, the optional absent one skipped.
	assert.Len(t, res.Plan.Assignments, 5)
	_, err = be.Get(registry.At(registry.LocalMachine, `SOFTWARE\Sys`, "MachineGuid"))
	assert.NoError(t, err)
	_, err = be.Get(registry.At(registry.CurrentUser, `Software\Game`, "guid"))
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestRewriteDryRun(t *testing.T) {
	be := registry.NewMemoryBackend()
	store := newStore(t, be)
	store.SetDryRun(true)
	cleaner := &fakeCleaner{}
	r := NewRewriter(store, testCatalog(t), WithArtifacts(cleaner, []string{"/tmp/a"}))

	res, err := r.Rewrite(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Nil(t, res.Backup)
	assert.Zero(t, cleaner.calls)

	readings, err := Snapshot(store, testCatalog(t))
	require.NoError(t, err)
	for _, rd := range readings {
		assert.False(t, rd.Present)
	}
}
