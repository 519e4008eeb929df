// Package space models the bounded parameter space a search runs over. It
// defines parameter specifications (continuous, discrete, categorical),
// validates them eagerly, and converts between three representations of a
// candidate:
//
//   - Vector: named concrete values, the canonical form
//   - encoded: normalized []float64 in [0, 1], what the surrogate model sees
//   - projected: nested configuration object, what the external evaluator sees
//
// All operations are pure and side-effect free. Encode and Decode are exact
// inverses for any Vector produced by this package.
package space

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"golang.org/x/exp/constraints"
)

//////
// Const, vars, types.
//////

// Kind identifies how a parameter's values are drawn and encoded.
type Kind string

const (
	// Continuous parameters take any real value in [Min, Max].
	Continuous Kind = "continuous"

	// Discrete parameters take integer values in [Min, Max].
	Discrete Kind = "discrete"

	// Categorical parameters take one value from an enumerated set.
	Categorical Kind = "categorical"
)

// ParameterSpec describes a single dimension of the search space.
//
// For Continuous and Discrete parameters, Min and Max bound the range
// (Min < Max, inclusive on both ends; Discrete bounds are treated as
// integers). For Categorical parameters, Values enumerates the allowed
// options and must be non-empty.
//
// Path is the dot-separated location of the parameter in the materialized
// evaluator configuration, e.g. "tracking.fa_threshold". An empty Path
// defaults to the parameter name at the top level.
type ParameterSpec struct {
	Name   string
	Kind   Kind
	Min    float64
	Max    float64
	Values []string
	Path   string
}

// ConfigurationError reports a malformed parameter space. It is fatal: no
// trial may run against a space that failed validation.
type ConfigurationError struct {
	Param  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("invalid parameter space: %s", e.Reason)
	}

	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Reason)
}

// Vector maps parameter names to concrete values: float64 for continuous,
// int for discrete, string for categorical. A Vector is created once and
// treated as immutable afterwards; use Clone before mutating a copy.
type Vector map[string]any

// Space is a validated, ordered collection of parameter specifications.
type Space struct {
	specs  []ParameterSpec
	byName map[string]int
}

//////
// Exported functionalities.
//////

// New validates the given specifications and builds a Space. It returns a
// *ConfigurationError if any spec is malformed: empty or duplicate names,
// continuous/discrete bounds with Min >= Max, or an empty categorical set.
func New(specs ...ParameterSpec) (*Space, error) {
	if len(specs) == 0 {
		return nil, &ConfigurationError{Reason: "no parameters defined"}
	}

	byName := make(map[string]int, len(specs))

	for i, spec := range specs {
		if spec.Name == "" {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("parameter %d has no name", i)}
		}

		if _, dup := byName[spec.Name]; dup {
			return nil, &ConfigurationError{Param: spec.Name, Reason: "duplicate name"}
		}

		switch spec.Kind {
		case Continuous, Discrete:
			if spec.Min >= spec.Max {
				return nil, &ConfigurationError{
					Param:  spec.Name,
					Reason: fmt.Sprintf("bounds must satisfy min < max, got [%v, %v]", spec.Min, spec.Max),
				}
			}
		case Categorical:
			if len(spec.Values) == 0 {
				return nil, &ConfigurationError{Param: spec.Name, Reason: "categorical value set is empty"}
			}
		default:
			return nil, &ConfigurationError{
				Param:  spec.Name,
				Reason: fmt.Sprintf("unknown kind %q", spec.Kind),
			}
		}

		byName[spec.Name] = i
	}

	// Copy so later mutation of the caller's slice cannot corrupt the space.
	owned := make([]ParameterSpec, len(specs))
	copy(owned, specs)

	return &Space{specs: owned, byName: byName}, nil
}

//////
// Methods.
//////

// Dim returns the number of parameters in the space.
func (s *Space) Dim() int {
	return len(s.specs)
}

// Specs returns the parameter specifications in definition order.
func (s *Space) Specs() []ParameterSpec {
	out := make([]ParameterSpec, len(s.specs))
	copy(out, s.specs)

	return out
}

// Random draws a uniform Vector from the space using the given source. Used
// for warmup proposals, before any surrogate model exists.
func (s *Space) Random(rng *rand.Rand) Vector {
	v := make(Vector, len(s.specs))

	for _, spec := range s.specs {
		switch spec.Kind {
		case Continuous:
			v[spec.Name] = spec.Min + rng.Float64()*(spec.Max-spec.Min)
		case Discrete:
			lo, hi := int64(spec.Min), int64(spec.Max)
			v[spec.Name] = int(lo + rng.Int63n(hi-lo+1))
		case Categorical:
			v[spec.Name] = spec.Values[rng.Intn(len(spec.Values))]
		}
	}

	return v
}

// Encode maps a Vector to its normalized numeric representation: one value
// in [0, 1] per parameter, in definition order. This is the form consumed
// by the surrogate model and by distance calculations.
func (s *Space) Encode(v Vector) ([]float64, error) {
	enc := make([]float64, len(s.specs))

	for i, spec := range s.specs {
		raw, ok := v[spec.Name]
		if !ok {
			return nil, fmt.Errorf("vector is missing parameter %q", spec.Name)
		}

		switch spec.Kind {
		case Continuous:
			f, err := asFloat(raw)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}

			enc[i] = (f - spec.Min) / (spec.Max - spec.Min)
		case Discrete:
			f, err := asFloat(raw)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}

			enc[i] = (f - spec.Min) / (spec.Max - spec.Min)
		case Categorical:
			sv, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q: expected string, got %T", spec.Name, raw)
			}

			idx := indexOf(spec.Values, sv)
			if idx < 0 {
				return nil, fmt.Errorf("parameter %q: value %q not in categorical set", spec.Name, sv)
			}

			if len(spec.Values) == 1 {
				enc[i] = 0
			} else {
				enc[i] = float64(idx) / float64(len(spec.Values)-1)
			}
		}
	}

	return enc, nil
}

// Decode is the exact inverse of Encode: it maps a normalized point back to
// a concrete Vector. Out-of-range coordinates are clamped to [0, 1] first,
// so any point a candidate generator produces decodes to a valid Vector.
func (s *Space) Decode(enc []float64) (Vector, error) {
	if len(enc) != len(s.specs) {
		return nil, fmt.Errorf("encoded point has %d coordinates, space has %d", len(enc), len(s.specs))
	}

	v := make(Vector, len(s.specs))

	for i, spec := range s.specs {
		u := clamp(enc[i], 0, 1)

		switch spec.Kind {
		case Continuous:
			v[spec.Name] = spec.Min + u*(spec.Max-spec.Min)
		case Discrete:
			v[spec.Name] = int(math.Round(spec.Min + u*(spec.Max-spec.Min)))
		case Categorical:
			idx := int(math.Round(u * float64(len(spec.Values)-1)))
			v[spec.Name] = spec.Values[idx]
		}
	}

	return v, nil
}

// Project materializes a Vector into the nested configuration object handed
// to the external evaluator, placing each value at its spec's Path.
func (s *Space) Project(v Vector) (map[string]any, error) {
	cfg := map[string]any{}

	for _, spec := range s.specs {
		raw, ok := v[spec.Name]
		if !ok {
			return nil, fmt.Errorf("vector is missing parameter %q", spec.Name)
		}

		path := spec.Path
		if path == "" {
			path = spec.Name
		}

		if err := setPath(cfg, path, raw); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
		}
	}

	return cfg, nil
}

// Distance returns the Euclidean distance between two encoded points. Both
// points must come from Encode on this space (same dimension).
func (s *Space) Distance(a, b []float64) float64 {
	var sum float64

	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}

	return math.Sqrt(sum)
}

// Clone returns a deep copy of the vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}

	return out
}

// String renders the vector with sorted keys, for stable log output.
func (v Vector) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, v[k])
	}

	return strings.Join(parts, " ")
}

//////
// Helpers.
//////

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

func indexOf(values []string, want string) int {
	for i, v := range values {
		if v == want {
			return i
		}
	}

	return -1
}

// asFloat accepts the numeric types a Vector may carry, including values
// decoded from JSON (always float64) and YAML (int or float64).
func asFloat(raw any) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", raw)
	}
}

// setPath walks dot-separated segments, creating nested maps as needed. It
// fails if an intermediate segment is already occupied by a non-map value.
func setPath(cfg map[string]any, path string, value any) error {
	segments := strings.Split(path, ".")
	cur := cfg

	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg]
		if !ok {
			child := map[string]any{}
			cur[seg] = child
			cur = child

			continue
		}

		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path segment %q is already set to a non-object value", seg)
		}

		cur = child
	}

	cur[segments[len(segments)-1]] = value

	return nil
}
