//go:build !interop

package main

import (
	"net/http"

	"dapnode.dev/aggregator/node"
)

// registerInternalTestHandlers is a no-op outside interop builds: the
// internal test surface must not exist in a production binary.
func registerInternalTestHandlers(mux *http.ServeMux, app *node.App) {}
