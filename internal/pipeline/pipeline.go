// Package pipeline executes function calls: resolve, validate, transform,
// run the model, transform back. It is the body of every /run job.
package pipeline

import (
	"context"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/catalog"
	"github.com/antonpaquin/citrine/internal/common"
	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/engine"
	"github.com/antonpaquin/citrine/internal/pack"
	"github.com/antonpaquin/citrine/internal/storage"
	"github.com/antonpaquin/citrine/internal/tensor"
)

// Pipeline resolves functions against the registry and runs their models
// through the engine session cache.
type Pipeline struct {
	logger   arbor.ILogger
	layout   *storage.Layout
	registry *pack.Registry
	cache    *engine.Cache
}

// New wires a pipeline
func New(logger arbor.ILogger, layout *storage.Layout, registry *pack.Registry, cache *engine.Cache) *Pipeline {
	return &Pipeline{
		logger:   logger,
		layout:   layout,
		registry: registry,
		cache:    cache,
	}
}

// Call invokes a registered function on an active package
func (p *Pipeline) Call(ctx context.Context, pkgName, fnName string, inputs map[string]any) (any, error) {
	p.logger.Info().
		Str("package", pkgName).
		Str("function", fnName).
		Msg("Calling function")

	if err := checkInterrupt(ctx); err != nil {
		return nil, err
	}
	fn, err := p.resolveActive(ctx, pkgName, fnName)
	if err != nil {
		return nil, err
	}

	if fn.InputSchema != nil {
		if err := validateInputs(fn.InputSchema, inputs); err != nil {
			return nil, err
		}
	}
	inputs, err = decodeTensors(inputs)
	if err != nil {
		return nil, err
	}
	if err := checkInterrupt(ctx); err != nil {
		return nil, err
	}

	tensors, fwd, err := fn.InputTransform(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if err := checkInterrupt(ctx); err != nil {
		return nil, err
	}

	outputs, err := p.runModel(ctx, fn.PackageID, fn.Model, tensors)
	if err != nil {
		return nil, err
	}
	if err := checkInterrupt(ctx); err != nil {
		return nil, err
	}

	return fn.OutputTransform(ctx, outputs, fwd)
}

// CallRaw runs a model directly on caller-provided tensors, skipping the
// handler transforms. The package resolves by newest installed version; raw
// calls do not require activation.
func (p *Pipeline) CallRaw(ctx context.Context, pkgName, modelName string, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	p.logger.Info().
		Str("package", pkgName).
		Str("model", modelName).
		Msg("Calling model directly")

	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	pkg, err := sess.PackageByNameLatest(ctx, pkgName)
	if err != nil {
		return nil, err
	}
	return p.runModel(ctx, pkg.ID, modelName, inputs)
}

// resolveActive finds the function registration behind (pkg_name, fn_name).
// A package with no active version reads as a missing function, same as a
// function the package never registered.
func (p *Pipeline) resolveActive(ctx context.Context, pkgName, fnName string) (*pack.Function, error) {
	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	pkg, err := sess.ActivePackageByName(ctx, pkgName)
	if err != nil {
		if derrors.IsKind(err, derrors.MissingEntry) {
			return nil, derrors.Newf(derrors.MissingFunction, "no active package %s", pkgName)
		}
		return nil, err
	}
	return p.registry.Lookup(pkg.ID, fnName)
}

// runModel looks up the model row, opens (or reuses) an engine session,
// coerces input dtypes to the session's declarations, and runs.
func (p *Pipeline) runModel(ctx context.Context, packageID int64, modelName string, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	sess, err := catalog.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	model, err := sess.ModelByPackageName(ctx, packageID, modelName)
	if err != nil {
		return nil, err
	}

	eng, err := engine.Open(model.Type)
	if err != nil {
		return nil, err
	}
	msess, release, err := p.cache.Get(ctx, eng, model.InstallPath, p.layout.ModelFile(model.InstallPath))
	if err != nil {
		return nil, err
	}
	defer release()

	coerced, err := engine.CoerceInputs(msess, inputs)
	if err != nil {
		return nil, err
	}

	outputs, err := msess.Run(ctx, coerced)
	if err != nil {
		return nil, derrors.Wrap(derrors.ModelRun, "failed to run model", err)
	}
	return outputs, nil
}

// DecodeRawInputs parses a raw-call request body: every value must be a wire
// form tensor.
func DecodeRawInputs(inputs map[string]any) (map[string]*tensor.Tensor, error) {
	res := make(map[string]*tensor.Tensor, len(inputs))
	for k, v := range inputs {
		t, ok, err := tensor.Decode(v)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, derrors.Newf(derrors.InvalidTensor,
				"value %s for key %s is not a tensor", common.Truncate(v, 100), common.Truncate(k, 100))
		}
		res[k] = t
	}
	return res, nil
}

// decodeTensors rewrites wire form tensor values in a request to in-memory
// tensors, so input transforms receive them ready to read and reshape. Other
// values pass through untouched.
func decodeTensors(inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		dv, err := decodeTensorValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = dv
	}
	return out, nil
}

func decodeTensorValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		t, ok, err := tensor.Decode(val)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			dv, derr := decodeTensorValue(item)
			if derr != nil {
				return nil, derr
			}
			out[k] = dv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			dv, err := decodeTensorValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	default:
		return v, nil
	}
}

func validateInputs(schema *jsonschema.Schema, inputs map[string]any) error {
	if err := schema.Validate(map[string]any(inputs)); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return derrors.New(derrors.Validation, "request failed to validate").
				WithData(ve.DetailedOutput())
		}
		return derrors.Wrap(derrors.Validation, "request failed to validate", err)
	}
	return nil
}

func checkInterrupt(ctx context.Context) error {
	if ctx.Err() != nil {
		return derrors.New(derrors.JobInterrupted, "job interrupted")
	}
	return nil
}
