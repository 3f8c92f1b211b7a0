package pack

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/dop251/goja"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/catalog"
	"github.com/antonpaquin/citrine/internal/common"
	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/scheduler"
	"github.com/antonpaquin/citrine/internal/storage"
	"github.com/antonpaquin/citrine/internal/tensor"
)

// handlerAPI is the `citrine` object exposed to handler modules. One instance
// per loaded package; registrations it creates carry the package's id.
type handlerAPI struct {
	logger   arbor.ILogger
	layout   *storage.Layout
	registry *Registry
	pkg      *catalog.Package
	hr       *handlerRuntime
}

func (a *handlerAPI) install() error {
	rt := a.hr.rt
	obj := rt.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"register":   a.register,
		"report":     a.report,
		"saveResult": a.saveResult,
		"tensor":     a.tensorLiteral,
	} {
		if err := obj.Set(name, fn); err != nil {
			return err
		}
	}
	return rt.Set("citrine", obj)
}

// throw raises a daemon error as a JS exception. It round-trips through the
// module's catch blocks and comes back out of goja intact.
func (a *handlerAPI) throw(err error) {
	panic(a.hr.rt.ToValue(err))
}

// register is citrine.register(name, {input, output, model?, schema?}).
// input and output are the transform functions; model defaults to the
// function name; schema is an optional JSON Schema for request inputs.
func (a *handlerAPI) register(call goja.FunctionCall) goja.Value {
	rt := a.hr.rt

	name := call.Argument(0).String()
	if goja.IsUndefined(call.Argument(0)) || name == "" {
		a.throw(derrors.New(derrors.PackageInstall, "register requires a function name"))
	}
	optsVal := call.Argument(1)
	if goja.IsUndefined(optsVal) || goja.IsNull(optsVal) {
		a.throw(derrors.New(derrors.PackageInstall, "register requires an options object"))
	}
	opts := optsVal.ToObject(rt)

	inputFn, ok := goja.AssertFunction(opts.Get("input"))
	if !ok {
		a.throw(derrors.Newf(derrors.PackageInstall, "function %s has no input transform", name))
	}
	outputVal := opts.Get("output")
	outputFn, ok := goja.AssertFunction(outputVal)
	if !ok {
		a.throw(derrors.Newf(derrors.PackageInstall, "function %s has no output transform", name))
	}

	model := name
	if v := opts.Get("model"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		model = v.String()
	}

	var schema *jsonschema.Schema
	if v := opts.Get("schema"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		compiled, err := compileInputSchema(name, v.Export())
		if err != nil {
			a.throw(err)
		}
		schema = compiled
	}

	a.registry.Register(&Function{
		Name:            name,
		PackageID:       a.pkg.ID,
		Model:           model,
		InputTransform:  a.makeInputTransform(inputFn),
		OutputTransform: a.makeOutputTransform(outputFn, fnArity(rt, outputVal) >= 2),
		InputSchema:     schema,
	})
	return goja.Undefined()
}

// report is citrine.report(key, value): progress attached to the current job
func (a *handlerAPI) report(call goja.FunctionCall) goja.Value {
	if a.hr.ctx != nil {
		scheduler.Report(a.hr.ctx, call.Argument(0).String(), call.Argument(1).Export())
	}
	return goja.Undefined()
}

// saveResult is citrine.saveResult(data): writes an artifact under results/
// and returns the {"file_ref": ...} sentinel.
func (a *handlerAPI) saveResult(call goja.FunctionCall) goja.Value {
	var data []byte
	switch v := call.Argument(0).Export().(type) {
	case string:
		data = []byte(v)
	case goja.ArrayBuffer:
		data = v.Bytes()
	case []byte:
		data = v
	default:
		a.throw(derrors.New(derrors.InvalidInput, "saveResult accepts a string or an ArrayBuffer"))
	}

	rf, err := a.layout.WriteResult(data)
	if err != nil {
		a.throw(derrors.Wrap(derrors.PackageStorage, "failed to write result file", err))
	}
	return a.hr.rt.ToValue(map[string]any{"file_ref": rf.Name})
}

// tensorLiteral is citrine.tensor(dtype, shape, values)
func (a *handlerAPI) tensorLiteral(call goja.FunctionCall) goja.Value {
	rt := a.hr.rt

	dtype := call.Argument(0).String()
	var shape []int64
	if err := rt.ExportTo(call.Argument(1), &shape); err != nil {
		a.throw(derrors.Wrap(derrors.InvalidTensor, "tensor shape must be an array of integers", err))
	}
	var values []float64
	if err := rt.ExportTo(call.Argument(2), &values); err != nil {
		a.throw(derrors.Wrap(derrors.InvalidTensor, "tensor values must be an array of numbers", err))
	}

	t, err := tensor.FromValues(tensor.DType(dtype), shape, values)
	if err != nil {
		a.throw(err)
	}
	return rt.ToValue(t)
}

func (a *handlerAPI) makeInputTransform(fn goja.Callable) InputTransform {
	pkgName := a.pkg.Name
	return func(ctx context.Context, inputs map[string]any) (map[string]*tensor.Tensor, any, error) {
		exit := a.hr.enter(ctx)
		defer exit()

		v, err := fn(goja.Undefined(), a.hr.rt.ToValue(inputs))
		if err != nil {
			return nil, nil, asHandlerError(err, derrors.Package, "error in processing inputs for "+pkgName)
		}

		switch out := v.Export().(type) {
		case map[string]any:
			tensors, terr := asTensorMap(out)
			return tensors, nil, terr
		case []any:
			if len(out) == 2 {
				if m, ok := out[0].(map[string]any); ok {
					tensors, terr := asTensorMap(m)
					return tensors, out[1], terr
				}
			}
		}
		return nil, nil, derrors.New(derrors.Package,
			"input transform must return a tensor map or a [map, context] pair")
	}
}

func (a *handlerAPI) makeOutputTransform(fn goja.Callable, wantsCtx bool) OutputTransform {
	pkgName := a.pkg.Name
	return func(ctx context.Context, outputs map[string]*tensor.Tensor, fwd any) (any, error) {
		exit := a.hr.enter(ctx)
		defer exit()

		args := []goja.Value{a.hr.rt.ToValue(outputs)}
		if wantsCtx {
			args = append(args, a.hr.rt.ToValue(fwd))
		}
		v, err := fn(goja.Undefined(), args...)
		if err != nil {
			return nil, asHandlerError(err, derrors.Package, "error in processing outputs for "+pkgName)
		}
		return v.Export(), nil
	}
}

// asTensorMap checks a transform's output: string keys, tensor values. Wire
// form maps are decoded; anything else is rejected.
func asTensorMap(m map[string]any) (map[string]*tensor.Tensor, error) {
	res := make(map[string]*tensor.Tensor, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case *tensor.Tensor:
			res[k] = t
		case map[string]any:
			decoded, ok, err := tensor.Decode(t)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, derrors.Newf(derrors.InvalidTensor,
					"value %s for key %s is not a tensor", common.Truncate(v, 100), common.Truncate(k, 100))
			}
			res[k] = decoded
		default:
			return nil, derrors.Newf(derrors.InvalidTensor,
				"value %s for key %s is not a tensor", common.Truncate(v, 100), common.Truncate(k, 100))
		}
	}
	return res, nil
}

// fnArity reads a JS function's declared parameter count
func fnArity(rt *goja.Runtime, fn goja.Value) int64 {
	obj := fn.ToObject(rt)
	if obj == nil {
		return 0
	}
	length := obj.Get("length")
	if length == nil {
		return 0
	}
	return length.ToInteger()
}

// compileInputSchema compiles a handler-declared input schema. A broken
// schema fails the package load, not the eventual request.
func compileInputSchema(name string, doc any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, derrors.Wrap(derrors.PackageInstall, "input schema is not valid json", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, derrors.Wrap(derrors.PackageInstall, "input schema is incorrect", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, derrors.Wrap(derrors.PackageInstall, "input schema is incorrect", err)
	}
	return schema, nil
}
