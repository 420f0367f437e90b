// Package schemas holds the JSON Schemas for documents accepted from outside the process.
package schemas

import "embed"

// FS contains every *.schema.json file in this directory.
//
//go:embed *.schema.json
var FS embed.FS

// Schema file names.
const (
	Definition   = "definition.schema.json"
	StartRequest = "start_request.schema.json"
	BranchCreate = "branch_create.schema.json"
)
