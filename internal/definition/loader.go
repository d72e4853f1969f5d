// Package definition loads YAML workflow definitions, validates them, and
// provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/caseflow/model"
	"gopkg.in/yaml.v3"
)

// File is one parsed workflow definition file.
type File struct {
	Workflows  []model.WorkflowDefinition `yaml:"workflows"`
	Checksum   string                     `yaml:"-"`
	SourceFile string                     `yaml:"-"`
}

// Loader scans directories for YAML workflow files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a File. Files are returned in lexical path order per directory.
func (l *Loader) LoadAll(directories []string) ([]File, error) {
	var files []File

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isDefinitionFile(path) {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML workflow file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = path

	return f, nil
}

// Workflows flattens the workflows of every file, preserving file order.
func Workflows(files []File) []model.WorkflowDefinition {
	var out []model.WorkflowDefinition
	for _, f := range files {
		out = append(out, f.Workflows...)
	}
	return out
}

func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
