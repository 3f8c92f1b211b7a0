package pack

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/catalog"
	"github.com/antonpaquin/citrine/internal/common"
	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/download"
	"github.com/antonpaquin/citrine/internal/storage"
)

// Installer stages package archives into the storage layout and records them
// in the catalog. All methods run inside a job: the catalog session rides on
// ctx and the worker commits it only when the job finishes cleanly.
type Installer struct {
	logger     arbor.ILogger
	layout     *storage.Layout
	downloader *download.Downloader
	repo       *Repo
	loader     *Loader
	registry   *Registry
}

// InstallOptions control the install pipeline. Activate loads the handler
// module and marks the package active; ExistOK turns a duplicate install
// into a success.
type InstallOptions struct {
	Activate bool
	ExistOK  bool
}

// NewInstaller wires the installer's collaborators
func NewInstaller(
	logger arbor.ILogger,
	layout *storage.Layout,
	downloader *download.Downloader,
	repo *Repo,
	loader *Loader,
	registry *Registry,
) *Installer {
	return &Installer{
		logger:     logger,
		layout:     layout,
		downloader: downloader,
		repo:       repo,
		loader:     loader,
		registry:   registry,
	}
}

func statusOK() map[string]any {
	return map[string]any{"status": "OK"}
}

// InstallName resolves a package in the remote index and installs it
func (i *Installer) InstallName(ctx context.Context, name string, opts InstallOptions) (map[string]any, error) {
	url, sha, err := i.repo.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return i.InstallURL(ctx, url, sha, opts)
}

// InstallURL downloads, verifies, and installs a package archive
func (i *Installer) InstallURL(ctx context.Context, url, sha string, opts InstallOptions) (map[string]any, error) {
	path, err := i.downloader.Fetch(ctx, url, sha)
	if err != nil {
		return nil, err
	}
	return i.InstallFile(ctx, path, opts)
}

// InstallFile installs a package from a zip archive or directory on the
// daemon host.
func (i *Installer) InstallFile(ctx context.Context, localfile string, opts InstallOptions) (map[string]any, error) {
	i.logger.Info().Str("localfile", localfile).Msg("Installing package")

	info, err := os.Stat(localfile)
	if err != nil {
		return nil, derrors.Newf(derrors.PackageInstall, "could not find local package %s", localfile)
	}

	tmpdir, err := os.MkdirTemp("", "citrine-install-*")
	if err != nil {
		return nil, derrors.Wrap(derrors.PackageStorage, "failed to create staging directory", err)
	}
	defer os.RemoveAll(tmpdir)

	if info.IsDir() {
		if err := copyTree(localfile, tmpdir); err != nil {
			return nil, err
		}
	} else {
		if err := unzip(localfile, tmpdir); err != nil {
			return nil, err
		}
	}

	if err := checkInterrupt(ctx); err != nil {
		return nil, err
	}

	manifest, err := ParseManifest(filepath.Join(tmpdir, "meta.json"))
	if err != nil {
		return nil, err
	}

	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	installID := common.NewInstallID()
	pkg := &catalog.Package{
		Name:        manifest.Name,
		Version:     manifest.Version,
		HumanName:   manifest.HumanName,
		InstallPath: installID,
	}
	if err := sess.InsertPackage(ctx, pkg); err != nil {
		if opts.ExistOK && derrors.IsKind(err, derrors.PackageExists) {
			i.logger.Info().Str("package", manifest.Name).Msg("Package already installed")
			res := statusOK()
			res["note"] = "Package Already Installed"
			return res, nil
		}
		return nil, err
	}

	for modelName, spec := range manifest.Model {
		model := &catalog.Model{
			PackageID:   pkg.ID,
			Name:        modelName,
			Type:        spec.Type,
			InstallPath: filepath.Join(installID, modelName+"."+spec.Type),
		}
		if err := sess.InsertModel(ctx, model); err != nil {
			return nil, err
		}
	}

	if err := i.copyFiles(tmpdir, installID, manifest); err != nil {
		return nil, err
	}

	if err := checkInterrupt(ctx); err != nil {
		return nil, err
	}

	if opts.Activate {
		if err := i.loader.Load(ctx, pkg); err != nil {
			return nil, err
		}
		if err := sess.Activate(ctx, pkg); err != nil {
			return nil, err
		}
	}

	i.logger.Info().
		Str("package", manifest.Name).
		Str("install_id", installID).
		Bool("activated", opts.Activate).
		Msg("Package installed")
	return statusOK(), nil
}

// copyFiles plans every destination path, verifies every source exists, and
// only then creates the install directory and copies. A missing file aborts
// before anything lands on disk.
func (i *Installer) copyFiles(tmpdir, installID string, manifest *Manifest) error {
	type copyOp struct{ from, to string }

	installDir := i.layout.InstallDir(installID)
	plan := []copyOp{
		{filepath.Join(tmpdir, "meta.json"), filepath.Join(installDir, "meta.json")},
		{filepath.Join(tmpdir, manifest.Module), i.layout.ModuleFile(installID)},
	}
	for modelName, spec := range manifest.Model {
		plan = append(plan, copyOp{
			filepath.Join(tmpdir, spec.File),
			filepath.Join(installDir, modelName+"."+spec.Type),
		})
	}

	for _, op := range plan {
		if info, err := os.Stat(op.from); err != nil || !info.Mode().IsRegular() {
			return derrors.Newf(derrors.PackageInstall,
				"package is missing file %s", filepath.Base(op.from))
		}
	}

	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to create install directory", err)
	}
	for _, op := range plan {
		if err := copyFile(op.from, op.to); err != nil {
			return err
		}
	}
	return nil
}

// Activate loads a package's handler module and marks it active. With no
// version the newest installed version is chosen.
func (i *Installer) Activate(ctx context.Context, name string, version *string) (map[string]any, error) {
	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	pkg, err := resolvePackage(ctx, sess, name, version)
	if err != nil {
		return nil, err
	}
	if err := i.loader.Load(ctx, pkg); err != nil {
		return nil, err
	}
	if err := sess.Activate(ctx, pkg); err != nil {
		return nil, err
	}
	return statusOK(), nil
}

// Deactivate clears a package's active flag and its registrations
func (i *Installer) Deactivate(ctx context.Context, name string, version *string) (map[string]any, error) {
	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	pkg, err := resolvePackage(ctx, sess, name, version)
	if err != nil {
		return nil, err
	}
	if err := sess.Deactivate(ctx, pkg); err != nil {
		return nil, err
	}
	i.loader.Unload(pkg.ID)
	return statusOK(), nil
}

// Remove uninstalls a package: registrations, files, then catalog rows
func (i *Installer) Remove(ctx context.Context, name string, version *string) (map[string]any, error) {
	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	pkg, err := resolvePackage(ctx, sess, name, version)
	if err != nil {
		return nil, err
	}

	i.loader.Unload(pkg.ID)

	installDir := i.layout.InstallDir(pkg.InstallPath)
	if _, err := os.Stat(installDir); err != nil {
		// Files already gone; purging the catalog row is still the right move
		i.logger.Warn().Str("package", name).Msg("Removing a package whose files are missing")
	} else if err := os.RemoveAll(installDir); err != nil {
		return nil, derrors.Wrap(derrors.PackageStorage, "failed to remove package files", err)
	}

	if err := sess.DeletePackage(ctx, pkg.ID); err != nil {
		return nil, err
	}
	return statusOK(), nil
}

// List enumerates installed packages, with registered function names for
// those currently loaded.
func (i *Installer) List(ctx context.Context) (map[string]any, error) {
	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	packages, err := sess.ListPackages(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(packages))
	for _, p := range packages {
		entry := map[string]any{
			"id":           p.ID,
			"name":         p.Name,
			"active":       p.Active,
			"version":      p.Version,
			"human_name":   p.HumanName,
			"install_path": p.InstallPath,
		}
		if i.registry.Loaded(p.ID) {
			entry["functions"] = i.registry.Names(p.ID)
		}
		entries = append(entries, entry)
	}
	return map[string]any{"packages": entries}, nil
}

// LoadActive reloads every active package's handler module. Runs at startup
// so activation state survives restarts; a package that fails to load is
// logged and skipped rather than holding the daemon down.
func (i *Installer) LoadActive(ctx context.Context) error {
	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return err
	}
	active, err := sess.ActivePackages(ctx)
	if err != nil {
		return err
	}
	for _, pkg := range active {
		if err := i.loader.Load(ctx, pkg); err != nil {
			i.logger.Warn().Err(err).Str("package", pkg.Name).Msg("Failed to load active package")
		}
	}
	return nil
}

func resolvePackage(ctx context.Context, sess *catalog.Session, name string, version *string) (*catalog.Package, error) {
	if version != nil {
		return sess.PackageByNameVersion(ctx, name, *version)
	}
	return sess.PackageByNameLatest(ctx, name)
}

func checkInterrupt(ctx context.Context) error {
	if ctx.Err() != nil {
		return derrors.New(derrors.JobInterrupted, "job interrupted")
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to open package file", err)
	}
	defer in.Close()

	out, err := os.Create(to)
	if err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to create package file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to copy package file", err)
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to stage package directory", err)
	}
	return nil
}

func unzip(archive, dst string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return derrors.Newf(derrors.PackageInstall, "package at %s was not a valid zip archive", archive)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target := filepath.Join(dst, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
			return derrors.Newf(derrors.PackageInstall, "archive entry %s escapes the package root", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return derrors.Wrap(derrors.PackageStorage, "failed to extract archive", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return derrors.Wrap(derrors.PackageStorage, "failed to extract archive", err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	in, err := f.Open()
	if err != nil {
		return derrors.Wrap(derrors.PackageInstall, "failed to read archive entry", err)
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to extract archive entry", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to extract archive entry", err)
	}
	return out.Close()
}
