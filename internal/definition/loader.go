// Package definition loads flow template definitions from YAML and validates
// their state graphs.
package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/workorder/model"
)

// Loader reads template files from disk.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll walks each directory recursively and parses every *.yaml and *.yml
// file, in lexical order per directory.
func (l *Loader) LoadAll(directories []string) ([]model.FlowDefinition, error) {
	var defs []model.FlowDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML template file and records its
// source path.
func (l *Loader) LoadFile(path string) (model.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.FlowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return model.FlowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path

	return def, nil
}

// Parse decodes a YAML template document and computes its checksum.
// Unknown keys are rejected so a misspelled field such as "nextstate" fails
// loudly instead of producing a step with no target.
func Parse(data []byte) (model.FlowDefinition, error) {
	var def model.FlowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return model.FlowDefinition{}, errors.New("empty template document")
		}
		return model.FlowDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}
