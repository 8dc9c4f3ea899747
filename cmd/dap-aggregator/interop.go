//go:build interop

package main

import (
	"net/http"

	"dapnode.dev/aggregator/node"
)

// registerInternalTestHandlers wires the internal test surface (spec.md
// §6, interop builds only) onto mux.
func registerInternalTestHandlers(mux *http.ServeMux, app *node.App) {
	mux.HandleFunc("POST /internal/test/add_task", app.HandleInternalAddTask)
	mux.HandleFunc("POST /internal/test/add_hpke_config", app.HandleInternalAddHpkeConfig)
	mux.HandleFunc("POST /internal/test/endpoint_for_task", app.HandleInternalEndpointForTask)
	mux.HandleFunc("POST /internal/delete_all", app.HandleInternalDeleteAll)
	mux.HandleFunc("POST /internal/process", app.HandleInternalProcess)
	mux.HandleFunc("GET /internal/current_batch/task/{task_id}", app.HandleInternalCurrentBatch)
}
