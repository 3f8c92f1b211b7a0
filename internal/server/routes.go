package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes. Every pipeline operation has a
// synchronous form and an /async twin that returns the job descriptor
// immediately.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Heartbeat and result retrieval
	mux.HandleFunc("GET /{$}", s.app.StatusHandler.HeartbeatHandler)
	mux.HandleFunc("GET /result/{name}", s.app.RunHandler.ResultHandler)

	// Job status and cancellation
	mux.HandleFunc("GET /async/get/{uid}", s.app.JobHandler.GetHandler)
	mux.HandleFunc("GET /async/cancel/{uid}", s.app.JobHandler.CancelHandler)

	// Function and raw model invocation
	mux.HandleFunc("POST /run/{pkg}/{fn}", s.app.RunHandler.RunHandler)
	mux.HandleFunc("POST /async/run/{pkg}/{fn}", s.app.RunHandler.RunAsyncHandler)
	mux.HandleFunc("POST /_run/{pkg}/{model}", s.app.RunHandler.RawRunHandler)
	mux.HandleFunc("POST /async/_run/{pkg}/{model}", s.app.RunHandler.RawRunAsyncHandler)

	// Package lifecycle
	mux.HandleFunc("POST /package/install", s.app.PackageHandler.InstallHandler)
	mux.HandleFunc("POST /async/package/install", s.app.PackageHandler.InstallAsyncHandler)
	mux.HandleFunc("POST /package/fetch", s.app.PackageHandler.FetchHandler)
	mux.HandleFunc("POST /async/package/fetch", s.app.PackageHandler.FetchAsyncHandler)
	mux.HandleFunc("POST /package/activate", s.app.PackageHandler.ActivateHandler)
	mux.HandleFunc("POST /async/package/activate", s.app.PackageHandler.ActivateAsyncHandler)
	mux.HandleFunc("POST /package/deactivate", s.app.PackageHandler.DeactivateHandler)
	mux.HandleFunc("POST /async/package/deactivate", s.app.PackageHandler.DeactivateAsyncHandler)
	mux.HandleFunc("POST /package/remove", s.app.PackageHandler.RemoveHandler)
	mux.HandleFunc("POST /async/package/remove", s.app.PackageHandler.RemoveAsyncHandler)
	mux.HandleFunc("POST /package/search", s.app.PackageHandler.SearchHandler)
	mux.HandleFunc("POST /async/package/search", s.app.PackageHandler.SearchAsyncHandler)
	mux.HandleFunc("GET /package/list", s.app.PackageHandler.ListHandler)
	mux.HandleFunc("GET /async/package/list", s.app.PackageHandler.ListAsyncHandler)

	// Unmatched routes get a JSON 404
	mux.HandleFunc("/", s.app.StatusHandler.NotFoundHandler)

	return mux
}
