package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/catalog"
	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/engine"
	"github.com/antonpaquin/citrine/internal/pack"
	"github.com/antonpaquin/citrine/internal/storage"
	"github.com/antonpaquin/citrine/internal/tensor"
)

// doubler is a stand-in backend: one float32 input "x" of shape [2], one
// output "y" holding 2*x.
type doublerSession struct {
	runErr error
}

func (s *doublerSession) Inputs() []engine.TensorInfo {
	return []engine.TensorInfo{{Name: "x", Shape: []int64{2}, DType: tensor.Float32}}
}

func (s *doublerSession) Outputs() []engine.TensorInfo {
	return []engine.TensorInfo{{Name: "y", Shape: []int64{2}, DType: tensor.Float32}}
}

func (s *doublerSession) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if s.runErr != nil {
		return nil, s.runErr
	}
	x := inputs["x"]
	if x.DType != tensor.Float32 {
		return nil, derrors.Newf(derrors.InvalidInput, "expected coerced float32 input, got %s", x.DType)
	}
	values, err := x.Values()
	if err != nil {
		return nil, err
	}
	doubled := make([]float64, len(values))
	for i, v := range values {
		doubled[i] = 2 * v
	}
	y, err := tensor.FromValues(tensor.Float32, x.Shape, doubled)
	if err != nil {
		return nil, err
	}
	return map[string]*tensor.Tensor{"y": y}, nil
}

func (s *doublerSession) Close() error { return nil }

type doublerEngine struct {
	loads    atomic.Int64
	lastPath atomic.Value
	runErr   error
}

func (e *doublerEngine) Type() string { return "doubler" }

func (e *doublerEngine) Load(ctx context.Context, path string) (engine.Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, derrors.Wrap(derrors.Package, "model file is unreadable", err)
	}
	e.loads.Add(1)
	e.lastPath.Store(path)
	return &doublerSession{runErr: e.runErr}, nil
}

var (
	testEngine     = &doublerEngine{}
	registerEngine sync.Once
)

type pipelineFixture struct {
	pipeline *Pipeline
	registry *pack.Registry
	cache    *engine.Cache
	layout   *storage.Layout
	store    *catalog.Store
}

func setupPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	registerEngine.Do(func() { engine.Register(testEngine) })
	testEngine.runErr = nil

	logger := arbor.NewLogger()
	layout := storage.NewLayout(t.TempDir())
	require.NoError(t, layout.Init())

	store, err := catalog.Open(logger, layout.CatalogPath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := pack.NewRegistry(logger)
	cache := engine.NewCache(logger, time.Minute)
	t.Cleanup(cache.Close)

	return &pipelineFixture{
		pipeline: New(logger, layout, registry, cache),
		registry: registry,
		cache:    cache,
		layout:   layout,
		store:    store,
	}
}

func (f *pipelineFixture) session(t *testing.T) (context.Context, *catalog.Session) {
	t.Helper()
	sess, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Rollback() })
	return catalog.NewContext(context.Background(), sess), sess
}

// installDoubler puts a package row, a model row, and a model file on disk,
// then registers an identity-transform function against it.
func (f *pipelineFixture) installDoubler(t *testing.T, ctx context.Context, sess *catalog.Session, name string, active bool) *catalog.Package {
	t.Helper()
	version := "1.0"
	pkg := &catalog.Package{Name: name, Version: &version, InstallPath: name + "-install", Active: active}
	require.NoError(t, sess.InsertPackage(ctx, pkg))

	modelPath := filepath.Join(pkg.InstallPath, "net.doubler")
	require.NoError(t, sess.InsertModel(ctx, &catalog.Model{
		PackageID:   pkg.ID,
		Name:        "net",
		Type:        "doubler",
		InstallPath: modelPath,
	}))
	require.NoError(t, os.MkdirAll(filepath.Dir(f.layout.ModelFile(modelPath)), 0o755))
	require.NoError(t, os.WriteFile(f.layout.ModelFile(modelPath), []byte("weights"), 0o644))

	f.registry.Register(&pack.Function{
		Name:      "double",
		PackageID: pkg.ID,
		Model:     "net",
		InputTransform: func(ctx context.Context, inputs map[string]any) (map[string]*tensor.Tensor, any, error) {
			x, ok := inputs["x"].(*tensor.Tensor)
			if !ok {
				return nil, nil, derrors.Newf(derrors.InvalidTensor, "input x arrived undecoded: %T", inputs["x"])
			}
			return map[string]*tensor.Tensor{"x": x}, "forwarded", nil
		},
		OutputTransform: func(ctx context.Context, outputs map[string]*tensor.Tensor, fwd any) (any, error) {
			values, err := outputs["y"].Values()
			if err != nil {
				return nil, err
			}
			return map[string]any{"doubled": values, "fwd": fwd}, nil
		},
	})
	return pkg
}

func wireTensor(values string) map[string]any {
	return map[string]any{"dtype": "float32", "shape": []any{int64(2)}, "data": values}
}

func TestCall_Success(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	f.installDoubler(t, ctx, sess, "mathpkg", true)

	// float32 [1.0, 2.0] little endian
	out, err := f.pipeline.Call(ctx, "mathpkg", "double", map[string]any{"x": wireTensor("AACAPwAAAEA=")})
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, []float64{2, 4}, res["doubled"])
	assert.Equal(t, "forwarded", res["fwd"], "input transform context must reach the output transform")
}

func TestCall_NoActivePackage(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	f.installDoubler(t, ctx, sess, "dormant", false)

	_, err := f.pipeline.Call(ctx, "dormant", "double", map[string]any{})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.MissingFunction))
}

func TestCall_MissingFunction(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	f.installDoubler(t, ctx, sess, "mathpkg", true)

	_, err := f.pipeline.Call(ctx, "mathpkg", "nonesuch", map[string]any{})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.MissingFunction))
}

func TestCall_SchemaRejectsBadRequest(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	pkg := f.installDoubler(t, ctx, sess, "strict", true)

	schema := jsonschema.MustCompileString("inline://strict.schema.json", `{
		"type": "object",
		"required": ["x"],
		"additionalProperties": false,
		"properties": {"x": {"type": "object"}}
	}`)
	f.registry.Register(&pack.Function{
		Name:        "checked",
		PackageID:   pkg.ID,
		Model:       "net",
		InputSchema: schema,
		InputTransform: func(ctx context.Context, inputs map[string]any) (map[string]*tensor.Tensor, any, error) {
			x, ok := inputs["x"].(*tensor.Tensor)
			if !ok {
				return nil, nil, derrors.Newf(derrors.InvalidTensor, "input x arrived undecoded: %T", inputs["x"])
			}
			return map[string]*tensor.Tensor{"x": x}, nil, nil
		},
		OutputTransform: func(ctx context.Context, outputs map[string]*tensor.Tensor, fwd any) (any, error) {
			return map[string]any{}, nil
		},
	})

	_, err := f.pipeline.Call(ctx, "strict", "checked", map[string]any{"wrong": 1})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.Validation))

	_, err = f.pipeline.Call(ctx, "strict", "checked", map[string]any{"x": wireTensor("AACAPwAAAEA=")})
	assert.NoError(t, err)
}

func TestCall_DecodesWireTensors(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	pkg := f.installDoubler(t, ctx, sess, "decoded", true)

	// The transform gets a real tensor for a wire form value and can read
	// its elements before handing them to the model.
	f.registry.Register(&pack.Function{
		Name:      "inspect",
		PackageID: pkg.ID,
		Model:     "net",
		InputTransform: func(ctx context.Context, inputs map[string]any) (map[string]*tensor.Tensor, any, error) {
			x, ok := inputs["x"].(*tensor.Tensor)
			if !ok {
				return nil, nil, derrors.Newf(derrors.InvalidTensor, "input x arrived undecoded: %T", inputs["x"])
			}
			values, err := x.Values()
			if err != nil {
				return nil, nil, err
			}
			shifted := make([]float64, len(values))
			for i, v := range values {
				shifted[i] = v + 10
			}
			t, err := tensor.FromValues(tensor.Float32, x.Shape, shifted)
			return map[string]*tensor.Tensor{"x": t}, nil, err
		},
		OutputTransform: func(ctx context.Context, outputs map[string]*tensor.Tensor, fwd any) (any, error) {
			values, err := outputs["y"].Values()
			return map[string]any{"doubled": values}, err
		},
	})

	out, err := f.pipeline.Call(ctx, "decoded", "inspect", map[string]any{"x": wireTensor("AACAPwAAAEA=")})
	require.NoError(t, err)
	assert.Equal(t, []float64{22, 24}, out.(map[string]any)["doubled"])

	// An invalid wire form is rejected before the transform runs
	bad := map[string]any{"dtype": "float32", "shape": []any{int64(2)}, "data": "not base64!"}
	_, err = f.pipeline.Call(ctx, "decoded", "inspect", map[string]any{"x": bad})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.InvalidTensor))
}

func TestCall_CoercesInputDType(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	pkg := f.installDoubler(t, ctx, sess, "coerce", true)

	f.registry.Register(&pack.Function{
		Name:      "wide",
		PackageID: pkg.ID,
		Model:     "net",
		InputTransform: func(ctx context.Context, inputs map[string]any) (map[string]*tensor.Tensor, any, error) {
			// Hand the model float64 data; the session declares float32
			x, err := tensor.FromValues(tensor.Float64, []int64{2}, []float64{3, 4})
			return map[string]*tensor.Tensor{"x": x}, nil, err
		},
		OutputTransform: func(ctx context.Context, outputs map[string]*tensor.Tensor, fwd any) (any, error) {
			values, err := outputs["y"].Values()
			return map[string]any{"doubled": values}, err
		},
	})

	out, err := f.pipeline.Call(ctx, "coerce", "wide", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 8}, out.(map[string]any)["doubled"])
}

func TestCall_ModelRunFailure(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	f.installDoubler(t, ctx, sess, "flaky", true)
	testEngine.runErr = assert.AnError

	_, err := f.pipeline.Call(ctx, "flaky", "double", map[string]any{"x": wireTensor("AACAPwAAAEA=")})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.ModelRun))
}

func TestCall_Interrupted(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	f.installDoubler(t, ctx, sess, "mathpkg", true)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := f.pipeline.Call(canceled, "mathpkg", "double", map[string]any{"x": wireTensor("AACAPwAAAEA=")})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.JobInterrupted))
}

func TestCall_SessionReuse(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	f.installDoubler(t, ctx, sess, "cached", true)

	before := testEngine.loads.Load()
	for i := 0; i < 3; i++ {
		_, err := f.pipeline.Call(ctx, "cached", "double", map[string]any{"x": wireTensor("AACAPwAAAEA=")})
		require.NoError(t, err)
	}
	assert.Equal(t, before+1, testEngine.loads.Load(), "repeated calls reuse one model session")
}

func TestCallRaw(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	// Raw calls do not require activation
	f.installDoubler(t, ctx, sess, "rawpkg", false)

	x, err := tensor.FromValues(tensor.Float32, []int64{2}, []float64{10, 20})
	require.NoError(t, err)

	outputs, err := f.pipeline.CallRaw(ctx, "rawpkg", "net", map[string]*tensor.Tensor{"x": x})
	require.NoError(t, err)

	values, err := outputs["y"].Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 40}, values)
}

func TestCallRaw_UnknownPackage(t *testing.T) {
	f := setupPipeline(t)
	ctx, _ := f.session(t)

	_, err := f.pipeline.CallRaw(ctx, "nonesuch", "net", nil)
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.MissingEntry))
}

func TestCallRaw_BadInputName(t *testing.T) {
	f := setupPipeline(t)
	ctx, sess := f.session(t)
	f.installDoubler(t, ctx, sess, "rawpkg", false)

	x, err := tensor.FromValues(tensor.Float32, []int64{2}, []float64{1, 2})
	require.NoError(t, err)

	_, err = f.pipeline.CallRaw(ctx, "rawpkg", "net", map[string]*tensor.Tensor{"wrong": x})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.InvalidInput))
}

func TestDecodeRawInputs(t *testing.T) {
	decoded, err := DecodeRawInputs(map[string]any{"x": wireTensor("AACAPwAAAEA=")})
	require.NoError(t, err)
	want, err := tensor.FromValues(tensor.Float32, []int64{2}, []float64{1, 2})
	require.NoError(t, err)
	assert.True(t, want.Equal(decoded["x"]))

	_, err = DecodeRawInputs(map[string]any{"x": "not a tensor"})
	require.Error(t, err)
	assert.True(t, derrors.IsKind(err, derrors.InvalidTensor))
}
