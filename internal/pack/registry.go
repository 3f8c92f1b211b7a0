package pack

import (
	"context"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/tensor"
)

// InputTransform turns request inputs into named model tensors. The second
// return is an opaque forward value handed to the output transform, nil when
// the handler does not use one.
type InputTransform func(ctx context.Context, inputs map[string]any) (map[string]*tensor.Tensor, any, error)

// OutputTransform turns named model outputs into the response value. fwd is
// whatever the input transform returned.
type OutputTransform func(ctx context.Context, outputs map[string]*tensor.Tensor, fwd any) (any, error)

// Function is one registered entry point (package_id, name). The transforms
// close over the package's handler runtime.
type Function struct {
	Name            string
	PackageID       int64
	Model           string
	InputTransform  InputTransform
	OutputTransform OutputTransform
	InputSchema     *jsonschema.Schema
}

// Registry holds function registrations in memory, keyed by package id. It
// lives for the whole process; package load fills it and deactivate/remove
// clears it.
type Registry struct {
	logger arbor.ILogger

	mu        sync.RWMutex
	functions map[int64]map[string]*Function
}

// NewRegistry builds an empty registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		logger:    logger,
		functions: make(map[int64]map[string]*Function),
	}
}

// Register adds a function under its package id. The first registration of a
// name wins; duplicates from a re-executed handler module are ignored.
func (r *Registry) Register(fn *Function) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pkg, ok := r.functions[fn.PackageID]
	if !ok {
		pkg = make(map[string]*Function)
		r.functions[fn.PackageID] = pkg
	}
	if _, dup := pkg[fn.Name]; dup {
		return
	}
	pkg[fn.Name] = fn
	r.logger.Info().
		Str("function", fn.Name).
		Int64("package_id", fn.PackageID).
		Msg("Function registered")
}

// Lookup finds a registration under a loaded package
func (r *Registry) Lookup(packageID int64, name string) (*Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pkg, ok := r.functions[packageID]
	if !ok {
		return nil, derrors.Newf(derrors.MissingFunction,
			"package at index %d has no loaded functions", packageID)
	}
	fn, ok := pkg[name]
	if !ok {
		return nil, derrors.Newf(derrors.MissingFunction, "no function named %s", name)
	}
	return fn, nil
}

// Names lists a package's registered function names, sorted
func (r *Registry) Names(packageID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pkg := r.functions[packageID]
	names := make([]string, 0, len(pkg))
	for name := range pkg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loaded reports whether a package has any registrations
func (r *Registry) Loaded(packageID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.functions[packageID]
	return ok
}

// Clear drops every registration for a package
func (r *Registry) Clear(packageID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.functions, packageID)
}
