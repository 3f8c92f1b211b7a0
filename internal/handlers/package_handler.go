package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/pack"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// installSpec is the install/fetch request body. Exactly one of name,
// localfile, or url selects the package source; hash accompanies url.
type installSpec struct {
	Name      string `json:"name"`
	LocalFile string `json:"localfile"`
	URL       string `json:"url" validate:"omitempty,url"`
	Hash      string `json:"hash" validate:"required_with=URL,omitempty,len=64,hexadecimal"`
}

// actionSpec is the activate/deactivate/remove request body
type actionSpec struct {
	Name    string  `json:"name" validate:"required"`
	Version *string `json:"version"`
}

type searchSpec struct {
	Query string `json:"query" validate:"required"`
}

// PackageHandler serves the package lifecycle endpoints
type PackageHandler struct {
	logger     arbor.ILogger
	dispatcher *Dispatcher
	installer  *pack.Installer
	repo       *pack.Repo
}

func NewPackageHandler(logger arbor.ILogger, dispatcher *Dispatcher, installer *pack.Installer, repo *pack.Repo) *PackageHandler {
	return &PackageHandler{
		logger:     logger,
		dispatcher: dispatcher,
		installer:  installer,
		repo:       repo,
	}
}

// InstallHandler installs and activates a package: POST /package/install
func (h *PackageHandler) InstallHandler(w http.ResponseWriter, r *http.Request) {
	h.install(w, r, "package.install", pack.InstallOptions{Activate: true}, false)
}

// InstallAsyncHandler is the async twin of InstallHandler
func (h *PackageHandler) InstallAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.install(w, r, "package.install", pack.InstallOptions{Activate: true}, true)
}

// FetchHandler installs without activating: POST /package/fetch
func (h *PackageHandler) FetchHandler(w http.ResponseWriter, r *http.Request) {
	h.install(w, r, "package.fetch", pack.InstallOptions{}, false)
}

// FetchAsyncHandler is the async twin of FetchHandler
func (h *PackageHandler) FetchAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.install(w, r, "package.fetch", pack.InstallOptions{}, true)
}

func (h *PackageHandler) install(w http.ResponseWriter, r *http.Request, method string, opts pack.InstallOptions, async bool) {
	spec, err := readInstallSpec(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	h.dispatcher.Dispatch(w, r, method, async, func(ctx context.Context) (any, error) {
		switch {
		case spec.LocalFile != "":
			return h.installer.InstallFile(ctx, spec.LocalFile, opts)
		case spec.URL != "":
			return h.installer.InstallURL(ctx, spec.URL, spec.Hash, opts)
		default:
			return h.installer.InstallName(ctx, spec.Name, opts)
		}
	})
}

// readInstallSpec parses a JSON or multipart install request. In multipart
// form the JSON body arrives in the specfile field.
func readInstallSpec(r *http.Request) (*installSpec, error) {
	var raw []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, derrors.Wrap(derrors.InvalidInput, "failed to parse multipart form", err)
		}
		file, _, err := r.FormFile("specfile")
		if err != nil {
			if v := r.FormValue("specfile"); v != "" {
				raw = []byte(v)
			} else {
				return nil, derrors.New(derrors.InvalidInput, "missing specfile")
			}
		} else {
			defer file.Close()
			raw, err = io.ReadAll(file)
			if err != nil {
				return nil, derrors.Wrap(derrors.InvalidInput, "failed to read specfile", err)
			}
		}
	} else {
		var err error
		raw, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, derrors.Wrap(derrors.InvalidInput, "failed to read request body", err)
		}
	}

	var spec installSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, derrors.New(derrors.Validation, "specfile was not valid json")
	}
	if spec.Name == "" && spec.LocalFile == "" && spec.URL == "" {
		return nil, derrors.New(derrors.Validation, `you must provide one of "localfile", "url", "name"`)
	}
	if err := validate.Struct(&spec); err != nil {
		return nil, derrors.New(derrors.Validation, "request failed to validate").WithData(err.Error())
	}
	return &spec, nil
}

// ActivateHandler activates a package version: POST /package/activate
func (h *PackageHandler) ActivateHandler(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "package.activate", false, h.installer.Activate)
}

// ActivateAsyncHandler is the async twin of ActivateHandler
func (h *PackageHandler) ActivateAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "package.activate", true, h.installer.Activate)
}

// DeactivateHandler deactivates a package: POST /package/deactivate
func (h *PackageHandler) DeactivateHandler(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "package.deactivate", false, h.installer.Deactivate)
}

// DeactivateAsyncHandler is the async twin of DeactivateHandler
func (h *PackageHandler) DeactivateAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "package.deactivate", true, h.installer.Deactivate)
}

// RemoveHandler uninstalls a package: POST /package/remove
func (h *PackageHandler) RemoveHandler(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "package.remove", false, h.installer.Remove)
}

// RemoveAsyncHandler is the async twin of RemoveHandler
func (h *PackageHandler) RemoveAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "package.remove", true, h.installer.Remove)
}

func (h *PackageHandler) action(w http.ResponseWriter, r *http.Request, method string, async bool, op func(context.Context, string, *string) (map[string]any, error)) {
	var spec actionSpec
	if err := decodeInto(r, &spec); err != nil {
		WriteError(w, err)
		return
	}
	if err := validate.Struct(&spec); err != nil {
		WriteError(w, derrors.New(derrors.Validation, "request failed to validate").WithData(err.Error()))
		return
	}
	h.dispatcher.Dispatch(w, r, method, async, func(ctx context.Context) (any, error) {
		return op(ctx, spec.Name, spec.Version)
	})
}

// SearchHandler searches the remote index: POST /package/search
func (h *PackageHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, false)
}

// SearchAsyncHandler is the async twin of SearchHandler
func (h *PackageHandler) SearchAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, true)
}

func (h *PackageHandler) search(w http.ResponseWriter, r *http.Request, async bool) {
	var spec searchSpec
	if err := decodeInto(r, &spec); err != nil {
		WriteError(w, err)
		return
	}
	if err := validate.Struct(&spec); err != nil {
		WriteError(w, derrors.New(derrors.Validation, "request failed to validate").WithData(err.Error()))
		return
	}
	h.dispatcher.Dispatch(w, r, "package.search", async, func(ctx context.Context) (any, error) {
		return h.repo.Search(ctx, spec.Query)
	})
}

// ListHandler enumerates installed packages: GET /package/list
func (h *PackageHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, false)
}

// ListAsyncHandler is the async twin of ListHandler
func (h *PackageHandler) ListAsyncHandler(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, true)
}

func (h *PackageHandler) list(w http.ResponseWriter, r *http.Request, async bool) {
	h.dispatcher.Dispatch(w, r, "package.list", async, func(ctx context.Context) (any, error) {
		return h.installer.List(ctx)
	})
}
