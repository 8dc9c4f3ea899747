package main

import (
	"encoding/json"
	"io"

	"dapnode.dev/aggregator/node"
)

// printConfig prints cfg as indented JSON, matching the teacher's own
// dry-run config dump.
func printConfig(w io.Writer, cfg node.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
