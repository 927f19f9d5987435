// Package loader reads workflow definitions from YAML or JSON files.
package loader

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/pkg/schema"
)

// Extensions lists the file suffixes Load understands.
var Extensions = []string{".yaml", ".yml", ".json"}

// Load reads the workflow at path. BasePath is set to the file's directory and
// a missing id defaults to the file name without extension.
func Load(path string) (*schema.Workflow, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow path %q: %v", path, err).WithCause(err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow file not found: %s", path).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read workflow %s: %v", path, err).WithCause(err)
	}
	return Parse(data, abs)
}

// Parse decodes a workflow document. The format is chosen from the extension
// of path; anything that is not .json is read as YAML.
func Parse(data []byte, path string) (*schema.Workflow, error) {
	var wf schema.Workflow
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &wf)
	} else {
		err = yaml.Unmarshal(data, &wf)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow %s: %v", path, err).WithCause(err)
	}

	if wf.ID == "" && path != "" {
		base := filepath.Base(path)
		wf.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if path != "" {
		wf.BasePath = filepath.Dir(path)
	}
	return &wf, nil
}

// Resolve returns ref as an absolute path, relative to basePath when ref is relative.
func Resolve(ref, basePath string) string {
	if filepath.IsAbs(ref) || basePath == "" {
		return filepath.Clean(ref)
	}
	return filepath.Join(basePath, ref)
}
