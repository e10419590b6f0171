// Package datasets maps short dataset names to their coordinates in the
// downloads manifest.
package datasets

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kilnworks/openfda-sync/internal/manifest"
)

// ErrUnknownDataset is returned when a requested name has no selector.
var ErrUnknownDataset = errors.New("unknown dataset name")

// Selector identifies one dataset inside the manifest's two-level
// results tree.
type Selector struct {
	Name        string `yaml:"name"`
	DatasetType string `yaml:"dataset_type"`
	FieldName   string `yaml:"field_name"`
}

// Matches reports whether a manifest coordinate belongs to this selector.
func (s Selector) Matches(datasetType, fieldName string) bool {
	return s.DatasetType == datasetType && s.FieldName == fieldName
}

// builtin is the well-known dataset table. Raw file names follow the
// <dataset_type>-<field_name>-NNNN-of-NNNN pattern, which is how these
// pairs were originally derived.
var builtin = []Selector{
	{Name: "ndc", DatasetType: "drug", FieldName: "ndc"},
	{Name: "drug_label", DatasetType: "drug", FieldName: "label"},
	{Name: "drugs_fda", DatasetType: "drug", FieldName: "drugsfda"},
	{Name: "drugs_nsde", DatasetType: "other", FieldName: "nsde"},
	{Name: "unii", DatasetType: "other", FieldName: "unii"},
	{Name: "substances", DatasetType: "other", FieldName: "substance"},
}

// Registry resolves dataset names to selectors.
type Registry struct {
	byName map[string]Selector
}

// Builtin returns a registry holding the well-known datasets.
func Builtin() *Registry {
	r := &Registry{byName: make(map[string]Selector, len(builtin))}
	for _, s := range builtin {
		r.byName[s.Name] = s
	}
	return r
}

type registryFile struct {
	Datasets []Selector `yaml:"datasets"`
}

// LoadFile overlays selector definitions from a YAML file onto the
// builtin table. File entries win on name collisions.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse dataset registry: %w", err)
	}

	r := Builtin()
	for _, s := range file.Datasets {
		if s.Name == "" || s.DatasetType == "" || s.FieldName == "" {
			return nil, fmt.Errorf("dataset registry entry %q: name, dataset_type and field_name are all required", s.Name)
		}
		r.byName[s.Name] = s
	}
	return r, nil
}

// Resolve maps names to selectors. Any unknown name is an error.
func (r *Registry) Resolve(names []string) ([]Selector, error) {
	out := make([]Selector, 0, len(names))
	for _, name := range names {
		s, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownDataset, name, r.Names())
		}
		out = append(out, s)
	}
	return out, nil
}

// Names returns the registered dataset names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter keeps only the tasks covered by the given selectors. An empty
// selector list keeps everything: no selection means the whole archive.
func Filter(tasks []manifest.FetchTask, selectors []Selector) []manifest.FetchTask {
	if len(selectors) == 0 {
		return tasks
	}

	var out []manifest.FetchTask
	for _, task := range tasks {
		for _, s := range selectors {
			if s.Matches(task.DatasetType, task.FieldName) {
				out = append(out, task)
				break
			}
		}
	}
	return out
}
