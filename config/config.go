// Package config loads the YAML search definition: the parameter space, the
// integrity validation rules, the pipeline command, and run settings. The
// schema is validated eagerly — unknown fields are rejected rather than
// silently ignored, and structural constraints are checked before anything
// runs.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/pipetune/integrity"
	"github.com/thalesfsp/pipetune/space"
)

//////
// Const, vars, types.
//////

// Parameter is one dimension of the search space.
type Parameter struct {
	Name   string   `yaml:"name" validate:"required"`
	Kind   string   `yaml:"kind" validate:"required,oneof=continuous discrete categorical"`
	Min    float64  `yaml:"min"`
	Max    float64  `yaml:"max"`
	Values []string `yaml:"values"`
	Path   string   `yaml:"path"`
}

// MetricRange bounds a named metric for the integrity validator.
type MetricRange struct {
	Metric string  `yaml:"metric" validate:"required"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
}

// Validation configures the integrity validator.
type Validation struct {
	RequiredArtifacts []string      `yaml:"required_artifacts"`
	MinSubjects       int           `yaml:"min_subjects" validate:"gte=0"`
	DegenerateScore   *float64      `yaml:"degenerate_score"`
	MetricRanges      []MetricRange `yaml:"metric_ranges" validate:"dive"`
	ExpectedEntries   []string      `yaml:"expected_entries"`
}

// Pipeline names the external evaluation command.
type Pipeline struct {
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// Run holds run-level settings. CLI flags override these.
type Run struct {
	Iterations int    `yaml:"iterations" validate:"gte=0"`
	Workers    int    `yaml:"workers" validate:"gte=0"`
	TimeoutS   int    `yaml:"timeout_s" validate:"gte=0"`
	Warmup     int    `yaml:"warmup" validate:"gte=0"`
	OutputDir  string `yaml:"output_dir"`
	Seed       int64  `yaml:"seed"`
}

// File is the full search definition.
type File struct {
	Parameters []Parameter `yaml:"parameters" validate:"required,min=1,dive"`
	Validation Validation  `yaml:"validation"`
	Pipeline   Pipeline    `yaml:"pipeline" validate:"required"`
	Run        Run         `yaml:"run"`
}

//////
// Exported functionalities.
//////

// Load reads and validates a search definition. Unknown YAML fields are an
// error: a typoed parameter bound must fail loudly, not vanish.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &f, nil
}

//////
// Methods.
//////

// Space builds the validated parameter space. Bound ordering and value-set
// checks happen in space.New, so a bad definition surfaces as a
// ConfigurationError before any trial runs.
func (f *File) Space() (*space.Space, error) {
	specs := make([]space.ParameterSpec, len(f.Parameters))

	for i, p := range f.Parameters {
		specs[i] = space.ParameterSpec{
			Name:   p.Name,
			Kind:   space.Kind(p.Kind),
			Min:    p.Min,
			Max:    p.Max,
			Values: p.Values,
			Path:   p.Path,
		}
	}

	return space.New(specs...)
}

// Rules builds the integrity rules, starting from the defaults and applying
// the file's overrides.
func (f *File) Rules() integrity.Rules {
	rules := integrity.DefaultRules()

	rules.RequiredArtifacts = f.Validation.RequiredArtifacts
	rules.ExpectedEntries = f.Validation.ExpectedEntries

	if f.Validation.MinSubjects > 0 {
		rules.MinSubjects = f.Validation.MinSubjects
	}

	if f.Validation.DegenerateScore != nil {
		rules.DegenerateScore = *f.Validation.DegenerateScore
	}

	if len(f.Validation.MetricRanges) > 0 {
		rules.MetricRanges = make(map[string]integrity.Range, len(f.Validation.MetricRanges))

		for _, r := range f.Validation.MetricRanges {
			rules.MetricRanges[r.Metric] = integrity.Range{Min: r.Min, Max: r.Max}
		}
	}

	return rules
}
