package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/derrors"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(arbor.NewLogger(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func strptr(s string) *string {
	return &s
}

func insertPackage(t *testing.T, sess *Session, name string, version *string) *Package {
	t.Helper()
	p := &Package{
		Name:        name,
		Version:     version,
		InstallPath: "install-" + name,
	}
	require.NoError(t, sess.InsertPackage(context.Background(), p))
	return p
}

func TestInsertAndLookup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	p := insertPackage(t, sess, "foo", strptr("1.0"))
	assert.NotZero(t, p.ID)

	got, err := sess.PackageByNameVersion(ctx, "foo", "1.0")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.False(t, got.Active)

	byID, err := sess.PackageByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "foo", byID.Name)
}

func TestInsert_UniqueViolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	insertPackage(t, sess, "foo", strptr("1.0"))
	err = sess.InsertPackage(ctx, &Package{Name: "foo", Version: strptr("1.0"), InstallPath: "other"})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.PackageExists))
}

func TestMissingEntry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	_, err = sess.PackageByNameVersion(ctx, "nope", "1.0")
	assert.True(t, derrors.IsKind(err, derrors.MissingEntry))

	_, err = sess.PackageByNameLatest(ctx, "nope")
	assert.True(t, derrors.IsKind(err, derrors.MissingEntry))

	_, err = sess.ModelByPackageName(ctx, 42, "nope")
	assert.True(t, derrors.IsKind(err, derrors.MissingEntry))
}

func TestLatest_Semver(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	insertPackage(t, sess, "foo", strptr("1.0"))
	insertPackage(t, sess, "foo", strptr("1.2"))
	insertPackage(t, sess, "foo", strptr("1.10"))

	latest, err := sess.PackageByNameLatest(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "1.10", *latest.Version)
}

func TestLatest_LexicalFallback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	// "beta" is not semver, so the whole set orders lexically
	insertPackage(t, sess, "bar", strptr("beta"))
	insertPackage(t, sess, "bar", strptr("alpha"))

	latest, err := sess.PackageByNameLatest(ctx, "bar")
	require.NoError(t, err)
	assert.Equal(t, "beta", *latest.Version)
}

func TestLatest_TieBreaksOnID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	// NULL versions do not collide in the unique constraint
	first := insertPackage(t, sess, "baz", nil)
	second := insertPackage(t, sess, "baz", nil)
	require.Greater(t, second.ID, first.ID)

	latest, err := sess.PackageByNameLatest(ctx, "baz")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestActivate_SingleActivePerName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	v1 := insertPackage(t, sess, "foo", strptr("1.0"))
	v2 := insertPackage(t, sess, "foo", strptr("2.0"))

	require.NoError(t, sess.Activate(ctx, v1))
	require.NoError(t, sess.Activate(ctx, v2))

	active, err := sess.ActivePackageByName(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	all, err := sess.ActivePackages(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRollback_LeavesNoResidue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	insertPackage(t, sess, "doomed", strptr("1.0"))
	require.NoError(t, sess.Rollback())

	sess2, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess2.Rollback()

	_, err = sess2.PackageByNameVersion(ctx, "doomed", "1.0")
	assert.True(t, derrors.IsKind(err, derrors.MissingEntry))
}

func TestCommit_Persists(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	p := insertPackage(t, sess, "kept", strptr("1.0"))
	require.NoError(t, sess.Commit())

	sess2, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess2.Rollback()

	got, err := sess2.PackageByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Name)
}

func TestModels(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	p := insertPackage(t, sess, "foo", strptr("1.0"))
	m := &Model{PackageID: p.ID, Name: "net", Type: "onnx", InstallPath: "abc/net.onnx"}
	require.NoError(t, sess.InsertModel(ctx, m))
	assert.NotZero(t, m.ID)

	got, err := sess.ModelByPackageName(ctx, p.ID, "net")
	require.NoError(t, err)
	assert.Equal(t, "abc/net.onnx", got.InstallPath)

	// Duplicate (package_id, name) rejected
	err = sess.InsertModel(ctx, &Model{PackageID: p.ID, Name: "net", Type: "onnx", InstallPath: "x"})
	assert.True(t, derrors.IsKind(err, derrors.PackageExists))

	// Removing the package drops its models
	require.NoError(t, sess.DeletePackage(ctx, p.ID))
	models, err := sess.ModelsByPackage(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, models)
}
