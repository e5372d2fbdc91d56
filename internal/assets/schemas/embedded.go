// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// DatasetMetaSchema is the embedded schema for a project's meta.json.
//
//go:embed dataset-meta.schema.json
var DatasetMetaSchema []byte

// RunRequestSchema is the embedded schema for pipeline and training run
// request files.
//
//go:embed run-request.schema.json
var RunRequestSchema []byte
