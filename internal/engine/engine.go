// Package engine abstracts model execution backends behind a driver registry.
// A backend registers itself by model type ("onnx", "torch") and hands out
// sessions that hold a loaded model in memory.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/tensor"
)

// TensorInfo describes one declared model input or output. Dynamic dimensions
// are reported as -1.
type TensorInfo struct {
	Name  string
	Shape []int64
	DType tensor.DType
}

// Session is a loaded model ready to run. Sessions are expensive to create
// and are shared through a Cache; Run must be safe for concurrent callers.
type Session interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close() error
}

// Engine loads model files of one format
type Engine interface {
	Type() string
	Load(ctx context.Context, path string) (Session, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Engine)
)

// Register makes an engine available by its model type. Backends call this
// from their init function.
func Register(e Engine) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[e.Type()]; dup {
		panic(fmt.Sprintf("engine: Register called twice for type %s", e.Type()))
	}
	drivers[e.Type()] = e
}

// Open returns the engine registered for a model type
func Open(modelType string) (Engine, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	e, ok := drivers[modelType]
	if !ok {
		return nil, derrors.Newf(derrors.Package, "no engine registered for model type %s", modelType)
	}
	return e, nil
}

// dtypeNames maps backend type strings (the onnxruntime "tensor(float)"
// spelling) to tensor dtypes.
var dtypeNames = map[string]tensor.DType{
	"tensor(int8)":    tensor.Int8,
	"tensor(int16)":   tensor.Int16,
	"tensor(int32)":   tensor.Int32,
	"tensor(int64)":   tensor.Int64,
	"tensor(uint8)":   tensor.Uint8,
	"tensor(uint16)":  tensor.Uint16,
	"tensor(uint32)":  tensor.Uint32,
	"tensor(uint64)":  tensor.Uint64,
	"tensor(float16)": tensor.Float16,
	"tensor(float)":   tensor.Float32,
	"tensor(double)":  tensor.Float64,
}

// DTypeFromBackend translates a backend type string into a tensor dtype
func DTypeFromBackend(name string) (tensor.DType, error) {
	dt, ok := dtypeNames[name]
	if !ok {
		return "", derrors.Newf(derrors.ModelRun, "unsupported backend tensor type %s", name)
	}
	return dt, nil
}

// CoerceInputs checks user tensors against a session's declared inputs and
// converts dtypes where they disagree, so a caller may pass float64 data to a
// float32 model. Missing inputs, extra inputs, and shape mismatches are
// rejected.
func CoerceInputs(sess Session, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	declared := sess.Inputs()
	if len(inputs) != len(declared) {
		return nil, derrors.Newf(derrors.InvalidInput,
			"model expects %d inputs, got %d", len(declared), len(inputs))
	}

	coerced := make(map[string]*tensor.Tensor, len(declared))
	for _, info := range declared {
		t, ok := inputs[info.Name]
		if !ok {
			return nil, derrors.Newf(derrors.InvalidInput, "missing model input %s", info.Name)
		}
		if err := checkShape(info, t); err != nil {
			return nil, err
		}
		converted, err := t.ConvertTo(info.DType)
		if err != nil {
			return nil, err
		}
		coerced[info.Name] = converted
	}
	return coerced, nil
}

func checkShape(info TensorInfo, t *tensor.Tensor) error {
	if len(t.Shape) != len(info.Shape) {
		return derrors.Newf(derrors.InvalidInput,
			"input %s expects rank %d, got %d", info.Name, len(info.Shape), len(t.Shape))
	}
	for i, want := range info.Shape {
		if want < 0 {
			continue
		}
		if t.Shape[i] != want {
			return derrors.Newf(derrors.InvalidInput,
				"input %s dimension %d expects %d, got %d", info.Name, i, want, t.Shape[i])
		}
	}
	return nil
}
