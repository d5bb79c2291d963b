// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI works correctly
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// ParametersSchema is the embedded worker parameters-file JSON schema.
//
// This allows parameters validation to work in installed binaries without
// requiring the schema file to be present on disk.
//
//go:embed parameters.schema.json
var ParametersSchema []byte
