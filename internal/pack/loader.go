package pack

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/dop251/goja"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/catalog"
	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/scheduler"
	"github.com/antonpaquin/citrine/internal/storage"
)

// handlerRuntime is one package's JavaScript runtime. goja runtimes are not
// safe for concurrent use, so every entry into the runtime takes mu; ctx is
// the context of the transform currently executing inside it.
type handlerRuntime struct {
	mu  sync.Mutex
	rt  *goja.Runtime
	ctx context.Context
}

// Loader executes handler modules (module.js) so their registrations land in
// the registry. One package loads at a time process-wide: the registration
// API attributes functions to the currently loading package, and the working
// directory is switched to the package's install dir for the duration.
type Loader struct {
	logger   arbor.ILogger
	layout   *storage.Layout
	registry *Registry

	mu     sync.Mutex
	loaded map[int64]*handlerRuntime
}

// NewLoader builds a loader over the given registry
func NewLoader(logger arbor.ILogger, layout *storage.Layout, registry *Registry) *Loader {
	return &Loader{
		logger:   logger,
		layout:   layout,
		registry: registry,
		loaded:   make(map[int64]*handlerRuntime),
	}
}

// Load executes a package's handler module. Loading an already loaded
// package is a no-op; its registrations are still live.
func (l *Loader) Load(ctx context.Context, pkg *catalog.Package) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[pkg.ID]; ok {
		return nil
	}

	l.logger.Info().
		Str("package", pkg.Name).
		Int64("package_id", pkg.ID).
		Msg("Loading package module")

	src, err := os.ReadFile(l.layout.ModuleFile(pkg.InstallPath))
	if err != nil {
		return derrors.Wrap(derrors.PackageInstall, "failed to read package module", err)
	}

	hr := &handlerRuntime{rt: goja.New()}
	hr.rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	hr.ctx = ctx

	api := &handlerAPI{
		logger:   l.logger,
		layout:   l.layout,
		registry: l.registry,
		pkg:      pkg,
		hr:       hr,
	}
	if err := api.install(); err != nil {
		return derrors.Wrap(derrors.Internal, "failed to install handler api", err)
	}

	// Handler modules read their data files with relative paths
	workDir, err := os.Getwd()
	if err != nil {
		return derrors.Wrap(derrors.Internal, "failed to read working directory", err)
	}
	if err := os.Chdir(l.layout.InstallDir(pkg.InstallPath)); err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to enter package directory", err)
	}

	_, runErr := hr.rt.RunScript("module.js", string(src))

	if err := os.Chdir(workDir); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to restore working directory")
	}
	hr.ctx = nil

	if runErr != nil {
		l.registry.Clear(pkg.ID)
		return asHandlerError(runErr, derrors.PackageInstall, "failed to load module for package "+pkg.Name)
	}

	l.loaded[pkg.ID] = hr
	return nil
}

// Unload drops a package's runtime and registrations
func (l *Loader) Unload(packageID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.loaded, packageID)
	l.registry.Clear(packageID)
}

// enter prepares the runtime for a transform call: it takes the runtime
// lock, binds the job context, and arranges for job cancellation to
// interrupt running handler code. The returned func undoes all of it.
func (hr *handlerRuntime) enter(ctx context.Context) func() {
	hr.mu.Lock()
	hr.ctx = ctx

	job, hasJob := scheduler.FromContext(ctx)
	if hasJob {
		job.SetInterrupt(func() { hr.rt.Interrupt("job interrupted") })
	}

	return func() {
		if hasJob {
			job.SetInterrupt(nil)
		}
		hr.rt.ClearInterrupt()
		hr.ctx = nil
		hr.mu.Unlock()
	}
}

// asHandlerError maps a goja failure onto the daemon error model. Daemon
// errors thrown through the handler API pass unchanged; an interrupt becomes
// JobInterrupted; anything else is the handler's own fault, reported under
// the given kind.
func asHandlerError(err error, kind derrors.Kind, msg string) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return derrors.New(derrors.JobInterrupted, "job interrupted")
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		if daemon, ok := exc.Value().Export().(*derrors.Error); ok {
			return daemon
		}
		return derrors.Newf(kind, "%s: %s", msg, exc.Error())
	}

	var daemon *derrors.Error
	if errors.As(err, &daemon) {
		return daemon
	}
	return derrors.Newf(kind, "%s: %v", msg, err)
}
