// Package storage owns the daemon's on-disk layout. Everything under the
// storage root is reached through the resolvers here:
//
//	<root>/downloads/<sha256>[.part]
//	<root>/package/<install_id>/{meta.json, module.js, <model>.<type>...}
//	<root>/results/<uid>
//	<root>/catalog.db
//	<root>/daemon.log
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	downloadsRel = "downloads"
	packageRel   = "package"
	resultsRel   = "results"
	catalogFile  = "catalog.db"
)

// Layout resolves paths under a single storage root
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at the given directory
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Init creates the storage directory tree. Failure here is fatal for the
// daemon: an unwritable root means nothing downstream can work.
func (l *Layout) Init() error {
	for _, dir := range []string{
		l.root,
		l.DownloadsPath(),
		l.PackagesPath(),
		l.ResultsPath(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return nil
}

// Root returns the storage root directory
func (l *Layout) Root() string {
	return l.root
}

// DownloadsPath returns the directory holding verified downloads
func (l *Layout) DownloadsPath() string {
	return filepath.Join(l.root, downloadsRel)
}

// DownloadFile returns the final path for a verified download
func (l *Layout) DownloadFile(sha256 string) string {
	return filepath.Join(l.DownloadsPath(), sha256)
}

// PackagesPath returns the directory holding installed packages
func (l *Layout) PackagesPath() string {
	return filepath.Join(l.root, packageRel)
}

// InstallDir returns the directory for one installed package
func (l *Layout) InstallDir(installID string) string {
	return filepath.Join(l.PackagesPath(), installID)
}

// ModuleFile returns the handler module path inside an install directory
func (l *Layout) ModuleFile(installID string) string {
	return filepath.Join(l.InstallDir(installID), "module.js")
}

// ManifestFile returns the manifest path inside an install directory
func (l *Layout) ManifestFile(installID string) string {
	return filepath.Join(l.InstallDir(installID), "meta.json")
}

// ModelFile resolves a model's install_path, which is stored relative to the
// packages directory.
func (l *Layout) ModelFile(installPath string) string {
	return filepath.Join(l.PackagesPath(), installPath)
}

// ResultsPath returns the directory holding result files
func (l *Layout) ResultsPath() string {
	return filepath.Join(l.root, resultsRel)
}

// ResultFilePath returns the path of a named result file
func (l *Layout) ResultFilePath(name string) string {
	return filepath.Join(l.ResultsPath(), name)
}

// CatalogPath returns the sqlite catalog location
func (l *Layout) CatalogPath() string {
	return filepath.Join(l.root, catalogFile)
}
