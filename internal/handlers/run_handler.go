package handlers

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/pipeline"
	"github.com/antonpaquin/citrine/internal/storage"
)

// RunHandler serves function calls, raw model calls, and result file
// retrieval.
type RunHandler struct {
	logger     arbor.ILogger
	dispatcher *Dispatcher
	pipeline   *pipeline.Pipeline
	layout     *storage.Layout
}

func NewRunHandler(logger arbor.ILogger, dispatcher *Dispatcher, pl *pipeline.Pipeline, layout *storage.Layout) *RunHandler {
	return &RunHandler{
		logger:     logger,
		dispatcher: dispatcher,
		pipeline:   pl,
		layout:     layout,
	}
}

// RunHandler invokes a registered function: POST /run/{pkg}/{fn}
func (h *RunHandler) RunHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, false)
}

// RunAsyncHandler is the async twin of RunHandler
func (h *RunHandler) RunAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, true)
}

func (h *RunHandler) run(w http.ResponseWriter, r *http.Request, async bool) {
	pkg := r.PathValue("pkg")
	fn := r.PathValue("fn")
	inputs, err := readJSONBody(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	h.dispatcher.Dispatch(w, r, "run", async, func(ctx context.Context) (any, error) {
		return h.pipeline.Call(ctx, pkg, fn, inputs)
	})
}

// RawRunHandler runs a model directly on wire tensors: POST /_run/{pkg}/{model}
func (h *RunHandler) RawRunHandler(w http.ResponseWriter, r *http.Request) {
	h.rawRun(w, r, false)
}

// RawRunAsyncHandler is the async twin of RawRunHandler
func (h *RunHandler) RawRunAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.rawRun(w, r, true)
}

func (h *RunHandler) rawRun(w http.ResponseWriter, r *http.Request, async bool) {
	pkg := r.PathValue("pkg")
	model := r.PathValue("model")
	body, err := readJSONBody(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	inputs, err := pipeline.DecodeRawInputs(body)
	if err != nil {
		WriteError(w, err)
		return
	}
	h.dispatcher.Dispatch(w, r, "_run", async, func(ctx context.Context) (any, error) {
		return h.pipeline.CallRaw(ctx, pkg, model, inputs)
	})
}

// ResultHandler streams a result file's bytes: GET /result/{name}
func (h *RunHandler) ResultHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	path := h.layout.ResultFilePath(name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}
