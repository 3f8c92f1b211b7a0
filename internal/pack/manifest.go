// Package pack implements package management: manifests, the remote index,
// the function registry, the handler module loader, and the installer.
package pack

import (
	"encoding/json"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/antonpaquin/citrine/internal/derrors"
)

// manifestSchema validates meta.json. Unknown keys are rejected so a typo in
// an optional field fails loudly at install time.
const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"module": {"type": "string", "minLength": 1},
		"model": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"type": {"type": "string", "enum": ["onnx"]},
					"file": {"type": "string", "minLength": 1}
				},
				"required": ["type", "file"],
				"additionalProperties": false
			}
		},
		"version": {"type": "string"},
		"human_name": {"type": "string"}
	},
	"required": ["name", "module", "model"],
	"additionalProperties": false
}`

var compiledManifestSchema = jsonschema.MustCompileString("meta.json", manifestSchema)

// ModelSpec is one model entry in a manifest
type ModelSpec struct {
	Type string `json:"type"`
	File string `json:"file"`
}

// Manifest is the parsed meta.json bundled at the root of every package
// archive.
type Manifest struct {
	Name      string               `json:"name"`
	Module    string               `json:"module"`
	Model     map[string]ModelSpec `json:"model"`
	Version   *string              `json:"version,omitempty"`
	HumanName *string              `json:"human_name,omitempty"`
}

// ParseManifest reads and validates a meta.json file
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, derrors.Wrap(derrors.PackageInstall, "failed to read meta.json", err)
	}
	return ParseManifestBytes(data)
}

// ParseManifestBytes validates raw manifest JSON against the schema
func ParseManifestBytes(data []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, derrors.Wrap(derrors.PackageInstall, "meta.json is not valid json", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, derrors.New(derrors.PackageInstall, "improperly formatted meta.json").
			WithData(err.Error())
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, derrors.Wrap(derrors.PackageInstall, "failed to decode meta.json", err)
	}
	return &m, nil
}
