// Package compunit defines the compilation unit handed to the analyzer:
// the textproto source file, the schema files it binds against with their
// stable graph identities, and the indexer arguments.
package compunit

import (
	"encoding/json"
	"os"
	"path/filepath"

	"tpindex/internal/errors"
)

// VName uniquely names a node in the output graph.
type VName struct {
	Signature string `json:"signature,omitempty"`
	Corpus    string `json:"corpus,omitempty"`
	Root      string `json:"root,omitempty"`
	Path      string `json:"path,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Equal reports whether two VNames are identical in all five components.
func (v VName) Equal(o VName) bool {
	return v == o
}

// IsZero reports whether every component of the VName is empty.
func (v VName) IsZero() bool {
	return v == VName{}
}

// RequiredInput pairs a file path with its VName.
type RequiredInput struct {
	Path  string `json:"path"`
	VName VName  `json:"vname"`
}

// Unit describes one analysis task.
type Unit struct {
	// SourceFile names the textproto under analysis. Must contain exactly
	// one entry.
	SourceFile []string `json:"sourceFile"`

	// RequiredInput lists every file the analysis needs, textproto and
	// schema files alike, each with its stable VName.
	RequiredInput []RequiredInput `json:"requiredInput"`

	// Argument carries path substitutions and the --proto_message flag.
	Argument []string `json:"argument"`
}

// FileData is a (path, content) pair for the textproto or a schema file.
type FileData struct {
	Path    string
	Content []byte
}

// LookupVName returns the VName of the required input whose path equals
// fullPath, or false when the unit doesn't list it.
func (u *Unit) LookupVName(fullPath string) (VName, bool) {
	for _, in := range u.RequiredInput {
		if in.Path == fullPath {
			return in.VName, true
		}
	}
	return VName{}, false
}

// LoadUnit reads a compilation unit from a JSON file.
func LoadUnit(path string) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.NotFound, "unable to read compilation unit", err)
	}
	var unit Unit
	if err := json.Unmarshal(data, &unit); err != nil {
		return nil, errors.New(errors.Unknown, "unable to parse compilation unit", err)
	}
	return &unit, nil
}

// LoadFiles reads the content of every required input from disk, resolving
// relative paths against root.
func LoadFiles(unit *Unit, root string) ([]FileData, error) {
	files := make([]FileData, 0, len(unit.RequiredInput))
	for _, in := range unit.RequiredInput {
		p := in.Path
		if !filepath.IsAbs(p) && root != "" {
			p = filepath.Join(root, p)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Newf(errors.NotFound, "unable to read required input %s", in.Path)
		}
		files = append(files, FileData{Path: in.Path, Content: content})
	}
	return files, nil
}
