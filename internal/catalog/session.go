package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/derrors"
)

// Package is a catalog row describing one installed package version
type Package struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Active      bool    `json:"active"`
	Version     *string `json:"version"`
	HumanName   *string `json:"human_name"`
	InstallPath string  `json:"install_path"`
}

// Model is a catalog row describing one model file owned by a package
type Model struct {
	ID          int64  `json:"id"`
	PackageID   int64  `json:"package_id"`
	Name        string `json:"name"`
	Type        string `json:"model_type"`
	InstallPath string `json:"install_path"`
}

// Session wraps one transaction. A worker opens a session when it picks up a
// job and commits it only if the job finishes DONE; any other outcome rolls
// back, so a failed install leaves no catalog residue.
type Session struct {
	tx     *sql.Tx
	logger arbor.ILogger
}

// Commit commits the session's transaction
func (s *Session) Commit() error {
	if err := s.tx.Commit(); err != nil {
		return derrors.Wrap(derrors.Database, "failed to commit catalog transaction", err)
	}
	return nil
}

// Rollback discards the session's writes
func (s *Session) Rollback() error {
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return derrors.Wrap(derrors.Database, "failed to roll back catalog transaction", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertPackage inserts a new package row and fills in its id
func (s *Session) InsertPackage(ctx context.Context, p *Package) error {
	res, err := s.tx.ExecContext(ctx,
		"INSERT INTO package (name, active, version, human_name, install_path) VALUES (?, ?, ?, ?, ?)",
		p.Name, p.Active, p.Version, p.HumanName, p.InstallPath,
	)
	if isUniqueViolation(err) {
		return derrors.Newf(derrors.PackageExists, "package %s already exists", p.Name).
			WithData(map[string]any{"name": p.Name, "version": p.Version})
	}
	if err != nil {
		return derrors.Wrap(derrors.Database, "failed to insert package", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return derrors.Wrap(derrors.Database, "failed to read package id", err)
	}
	return nil
}

// InsertModel inserts a new model row and fills in its id
func (s *Session) InsertModel(ctx context.Context, m *Model) error {
	res, err := s.tx.ExecContext(ctx,
		"INSERT INTO model (package_id, name, type, install_path) VALUES (?, ?, ?, ?)",
		m.PackageID, m.Name, m.Type, m.InstallPath,
	)
	if isUniqueViolation(err) {
		return derrors.Newf(derrors.PackageExists, "model %s already exists for package %d", m.Name, m.PackageID)
	}
	if err != nil {
		return derrors.Wrap(derrors.Database, "failed to insert model", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return derrors.Wrap(derrors.Database, "failed to read model id", err)
	}
	return nil
}

const packageColumns = "id, name, active, version, human_name, install_path"

func scanPackage(row interface{ Scan(...any) error }) (*Package, error) {
	var p Package
	err := row.Scan(&p.ID, &p.Name, &p.Active, &p.Version, &p.HumanName, &p.InstallPath)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PackageByID looks up a package row by id
func (s *Session) PackageByID(ctx context.Context, id int64) (*Package, error) {
	row := s.tx.QueryRowContext(ctx,
		"SELECT "+packageColumns+" FROM package WHERE id = ?", id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.Newf(derrors.MissingEntry, "package at index %d not found", id)
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to query package", err)
	}
	return p, nil
}

// PackageByNameVersion looks up the unique (name, version) row
func (s *Session) PackageByNameVersion(ctx context.Context, name, version string) (*Package, error) {
	row := s.tx.QueryRowContext(ctx,
		"SELECT "+packageColumns+" FROM package WHERE name = ? AND version = ?", name, version)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.Newf(derrors.MissingEntry, "package %s::%s not found", name, version)
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to query package", err)
	}
	return p, nil
}

// PackagesByName returns every installed version of a package name
func (s *Session) PackagesByName(ctx context.Context, name string) ([]*Package, error) {
	rows, err := s.tx.QueryContext(ctx,
		"SELECT "+packageColumns+" FROM package WHERE name = ?", name)
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to query packages", err)
	}
	defer rows.Close()

	var packages []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, derrors.Wrap(derrors.Database, "failed to scan package", err)
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to read packages", err)
	}
	return packages, nil
}

// PackageByNameLatest resolves the newest installed version of a package name
// using the version-latest policy (see pickLatest).
func (s *Session) PackageByNameLatest(ctx context.Context, name string) (*Package, error) {
	packages, err := s.PackagesByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(packages) == 0 {
		return nil, derrors.Newf(derrors.MissingEntry, "package %s not found", name)
	}
	return pickLatest(packages), nil
}

// ActivePackageByName returns the single active row for a name
func (s *Session) ActivePackageByName(ctx context.Context, name string) (*Package, error) {
	row := s.tx.QueryRowContext(ctx,
		"SELECT "+packageColumns+" FROM package WHERE name = ? AND active = 1", name)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.Newf(derrors.MissingEntry, "no active package named %s", name)
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to query active package", err)
	}
	return p, nil
}

// ActivePackages returns every active package row
func (s *Session) ActivePackages(ctx context.Context) ([]*Package, error) {
	rows, err := s.tx.QueryContext(ctx,
		"SELECT "+packageColumns+" FROM package WHERE active = 1")
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to query active packages", err)
	}
	defer rows.Close()

	var packages []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, derrors.Wrap(derrors.Database, "failed to scan package", err)
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to read packages", err)
	}
	return packages, nil
}

// ListPackages returns every package row
func (s *Session) ListPackages(ctx context.Context) ([]*Package, error) {
	rows, err := s.tx.QueryContext(ctx, "SELECT "+packageColumns+" FROM package")
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to query packages", err)
	}
	defer rows.Close()

	var packages []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, derrors.Wrap(derrors.Database, "failed to scan package", err)
		}
		packages = append(packages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to read packages", err)
	}
	return packages, nil
}

// Activate marks a package active. Any other active row with the same name is
// deactivated in the same transaction, preserving the one-active-per-name
// invariant.
func (s *Session) Activate(ctx context.Context, p *Package) error {
	if _, err := s.tx.ExecContext(ctx,
		"UPDATE package SET active = 0 WHERE name = ? AND id <> ?", p.Name, p.ID); err != nil {
		return derrors.Wrap(derrors.Database, "failed to deactivate sibling packages", err)
	}
	if _, err := s.tx.ExecContext(ctx,
		"UPDATE package SET active = 1 WHERE id = ?", p.ID); err != nil {
		return derrors.Wrap(derrors.Database, "failed to activate package", err)
	}
	p.Active = true
	return nil
}

// Deactivate clears a package's active flag
func (s *Session) Deactivate(ctx context.Context, p *Package) error {
	if _, err := s.tx.ExecContext(ctx,
		"UPDATE package SET active = 0 WHERE id = ?", p.ID); err != nil {
		return derrors.Wrap(derrors.Database, "failed to deactivate package", err)
	}
	p.Active = false
	return nil
}

// DeletePackage removes a package row and all of its models
func (s *Session) DeletePackage(ctx context.Context, id int64) error {
	if _, err := s.tx.ExecContext(ctx, "DELETE FROM model WHERE package_id = ?", id); err != nil {
		return derrors.Wrap(derrors.Database, "failed to delete models", err)
	}
	if _, err := s.tx.ExecContext(ctx, "DELETE FROM package WHERE id = ?", id); err != nil {
		return derrors.Wrap(derrors.Database, "failed to delete package", err)
	}
	return nil
}

const modelColumns = "id, package_id, name, type, install_path"

// ModelByPackageName looks up a model by owning package id and model name
func (s *Session) ModelByPackageName(ctx context.Context, packageID int64, name string) (*Model, error) {
	row := s.tx.QueryRowContext(ctx,
		"SELECT "+modelColumns+" FROM model WHERE package_id = ? AND name = ?", packageID, name)
	var m Model
	err := row.Scan(&m.ID, &m.PackageID, &m.Name, &m.Type, &m.InstallPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.Newf(derrors.MissingEntry,
			"model %s under package at index %d not found", name, packageID)
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to query model", err)
	}
	return &m, nil
}

// ModelsByPackage returns every model row owned by a package
func (s *Session) ModelsByPackage(ctx context.Context, packageID int64) ([]*Model, error) {
	rows, err := s.tx.QueryContext(ctx,
		"SELECT "+modelColumns+" FROM model WHERE package_id = ?", packageID)
	if err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to query models", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.PackageID, &m.Name, &m.Type, &m.InstallPath); err != nil {
			return nil, derrors.Wrap(derrors.Database, "failed to scan model", err)
		}
		models = append(models, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, derrors.Wrap(derrors.Database, "failed to read models", err)
	}
	return models, nil
}
