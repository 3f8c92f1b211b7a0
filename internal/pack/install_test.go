package pack

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/catalog"
	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/download"
	"github.com/antonpaquin/citrine/internal/storage"
)

type installFixture struct {
	installer *Installer
	registry  *Registry
	layout    *storage.Layout
	store     *catalog.Store
}

func setupInstaller(t *testing.T) *installFixture {
	t.Helper()
	logger := arbor.NewLogger()
	layout := storage.NewLayout(t.TempDir())
	require.NoError(t, layout.Init())

	store, err := catalog.Open(logger, layout.CatalogPath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry(logger)
	loader := NewLoader(logger, layout, registry)
	installer := NewInstaller(
		logger, layout,
		download.New(logger, layout),
		NewRepo(logger, "http://127.0.0.1:1/unused"),
		loader, registry,
	)
	return &installFixture{installer: installer, registry: registry, layout: layout, store: store}
}

// session opens a committed-on-cleanup catalog session bound to a context,
// the way a worker would hand it to the installer.
func (f *installFixture) session(t *testing.T) (context.Context, *catalog.Session) {
	t.Helper()
	sess, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Rollback() })
	return catalog.NewContext(context.Background(), sess), sess
}

// writePackageDir builds an unpacked package archive on disk
func writePackageDir(t *testing.T, name, version string) string {
	t.Helper()
	dir := t.TempDir()

	manifest := map[string]any{
		"name":   name,
		"module": "handler.js",
		"model":  map[string]any{"net": map[string]any{"type": "onnx", "file": "net.onnx"}},
	}
	if version != "" {
		manifest["version"] = version
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handler.js"), []byte(identityModule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.onnx"), []byte("fake model bytes"), 0o644))
	return dir
}

func zipDir(t *testing.T, dir string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "pkg.zip")
	f, err := os.Create(out)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		w, err := zw.Create(entry.Name())
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return out
}

func TestInstallFile_DirectoryActivate(t *testing.T) {
	f := setupInstaller(t)
	ctx, sess := f.session(t)

	res, err := f.installer.InstallFile(ctx, writePackageDir(t, "echo", "1.0"), InstallOptions{Activate: true})
	require.NoError(t, err)
	assert.Equal(t, "OK", res["status"])

	pkg, err := sess.PackageByNameVersion(ctx, "echo", "1.0")
	require.NoError(t, err)
	assert.True(t, pkg.Active)

	model, err := sess.ModelByPackageName(ctx, pkg.ID, "net")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(pkg.InstallPath, "net.onnx"), model.InstallPath)

	// Files landed under the install id
	for _, name := range []string{"meta.json", "module.js", "net.onnx"} {
		_, err := os.Stat(filepath.Join(f.layout.InstallDir(pkg.InstallPath), name))
		assert.NoError(t, err, "missing installed file %s", name)
	}

	// Activation ran the handler module
	assert.Equal(t, []string{"identity"}, f.registry.Names(pkg.ID))
}

func TestInstallFile_Zip(t *testing.T) {
	f := setupInstaller(t)
	ctx, sess := f.session(t)

	archive := zipDir(t, writePackageDir(t, "zipped", "2.0"))
	_, err := f.installer.InstallFile(ctx, archive, InstallOptions{})
	require.NoError(t, err)

	pkg, err := sess.PackageByNameVersion(ctx, "zipped", "2.0")
	require.NoError(t, err)
	assert.False(t, pkg.Active, "fetch-style install must not activate")
	assert.False(t, f.registry.Loaded(pkg.ID))
}

func TestInstallFile_NotAZip(t *testing.T) {
	f := setupInstaller(t)
	ctx, _ := f.session(t)

	bogus := filepath.Join(t.TempDir(), "bogus.zip")
	require.NoError(t, os.WriteFile(bogus, []byte("definitely not a zip"), 0o644))

	_, err := f.installer.InstallFile(ctx, bogus, InstallOptions{})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.PackageInstall))
}

func TestInstallFile_MissingLocalFile(t *testing.T) {
	f := setupInstaller(t)
	ctx, _ := f.session(t)

	_, err := f.installer.InstallFile(ctx, "/no/such/package", InstallOptions{})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.PackageInstall))
}

func TestInstallFile_MissingModelFile(t *testing.T) {
	f := setupInstaller(t)
	ctx, _ := f.session(t)

	dir := writePackageDir(t, "broken", "1.0")
	require.NoError(t, os.Remove(filepath.Join(dir, "net.onnx")))

	_, err := f.installer.InstallFile(ctx, dir, InstallOptions{})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.PackageInstall))
}

func TestInstallFile_Duplicate(t *testing.T) {
	f := setupInstaller(t)
	ctx, sess := f.session(t)

	dir := writePackageDir(t, "dup", "1.0")
	_, err := f.installer.InstallFile(ctx, dir, InstallOptions{})
	require.NoError(t, err)

	_, err = f.installer.InstallFile(ctx, dir, InstallOptions{})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.PackageExists))

	// With exist_ok the duplicate becomes a success sentinel
	res, err := f.installer.InstallFile(ctx, dir, InstallOptions{ExistOK: true})
	require.NoError(t, err)
	assert.Equal(t, "OK", res["status"])
	assert.Equal(t, "Package Already Installed", res["note"])

	packages, err := sess.PackagesByName(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, packages, 1)
}

func TestActivate_LatestVersionWins(t *testing.T) {
	f := setupInstaller(t)
	ctx, sess := f.session(t)

	for _, version := range []string{"1.0", "1.2", "1.10"} {
		_, err := f.installer.InstallFile(ctx, writePackageDir(t, "multi", version), InstallOptions{})
		require.NoError(t, err)
	}

	_, err := f.installer.Activate(ctx, "multi", nil)
	require.NoError(t, err)

	active, err := sess.ActivePackageByName(ctx, "multi")
	require.NoError(t, err)
	assert.Equal(t, "1.10", *active.Version)
}

func TestDeactivate(t *testing.T) {
	f := setupInstaller(t)
	ctx, sess := f.session(t)

	_, err := f.installer.InstallFile(ctx, writePackageDir(t, "onoff", "1.0"), InstallOptions{Activate: true})
	require.NoError(t, err)
	pkg, err := sess.PackageByNameVersion(ctx, "onoff", "1.0")
	require.NoError(t, err)
	require.True(t, f.registry.Loaded(pkg.ID))

	_, err = f.installer.Deactivate(ctx, "onoff", nil)
	require.NoError(t, err)

	_, err = sess.ActivePackageByName(ctx, "onoff")
	assert.True(t, derrors.IsKind(err, derrors.MissingEntry))
	assert.False(t, f.registry.Loaded(pkg.ID))
}

func TestRemove(t *testing.T) {
	f := setupInstaller(t)
	ctx, sess := f.session(t)

	_, err := f.installer.InstallFile(ctx, writePackageDir(t, "gone", "1.0"), InstallOptions{Activate: true})
	require.NoError(t, err)
	pkg, err := sess.PackageByNameVersion(ctx, "gone", "1.0")
	require.NoError(t, err)

	_, err = f.installer.Remove(ctx, "gone", nil)
	require.NoError(t, err)

	_, err = sess.PackageByNameVersion(ctx, "gone", "1.0")
	assert.True(t, derrors.IsKind(err, derrors.MissingEntry))
	_, err = os.Stat(f.layout.InstallDir(pkg.InstallPath))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, f.registry.Loaded(pkg.ID))
}

func TestList_IncludesFunctions(t *testing.T) {
	f := setupInstaller(t)
	ctx, _ := f.session(t)

	_, err := f.installer.InstallFile(ctx, writePackageDir(t, "listed", "1.0"), InstallOptions{Activate: true})
	require.NoError(t, err)
	_, err = f.installer.InstallFile(ctx, writePackageDir(t, "dormant", "1.0"), InstallOptions{})
	require.NoError(t, err)

	res, err := f.installer.List(ctx)
	require.NoError(t, err)
	entries := res["packages"].([]map[string]any)
	require.Len(t, entries, 2)

	byName := map[string]map[string]any{}
	for _, e := range entries {
		byName[e["name"].(string)] = e
	}
	assert.Equal(t, []string{"identity"}, byName["listed"]["functions"])
	assert.NotContains(t, byName["dormant"], "functions")
}

func TestLoadActive(t *testing.T) {
	f := setupInstaller(t)
	ctx, sess := f.session(t)

	_, err := f.installer.InstallFile(ctx, writePackageDir(t, "persist", "1.0"), InstallOptions{Activate: true})
	require.NoError(t, err)
	pkg, err := sess.PackageByNameVersion(ctx, "persist", "1.0")
	require.NoError(t, err)

	// Simulate a restart: registrations lost, active flag retained
	f.installer.loader.Unload(pkg.ID)
	require.False(t, f.registry.Loaded(pkg.ID))

	require.NoError(t, f.installer.LoadActive(ctx))
	assert.True(t, f.registry.Loaded(pkg.ID))
}
