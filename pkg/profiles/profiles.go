// Package profiles defines the per-entity-kind plugin surface of the
// engine: which field is fingerprinted, how it normalizes, which thresholds
// apply, and which extra predicates narrow the candidate window. Profiles
// are registered once at startup; nothing is synthesized at call time.
package profiles

import (
	"fmt"

	"github.com/Ramsey-B/aster/pkg/normalizers"
	"github.com/Ramsey-B/aster/pkg/schema"
)

// PredicateOp is the comparison applied by a candidate predicate
type PredicateOp string

const (
	PredicateOpEqual  PredicateOp = "eq"
	PredicateOpPrefix PredicateOp = "prefix"
)

// Predicate is an opaque restriction on the candidate window, applied by
// the entity repository against stored field data.
type Predicate struct {
	Field string
	Op    PredicateOp
	Value string
}

// PredicateFunc derives candidate predicates from a proto record's raw
// fields. Implementations must be pure.
type PredicateFunc func(data map[string]any) []Predicate

// Profile parameterizes the engine for one entity kind
type Profile struct {
	EntityKind           string
	Pipeline             normalizers.Pipeline
	ProfileThreshold     int
	LevenshteinThreshold int
	CandidateLimit       int
	Schema               schema.Schema
	ExtraPredicates      PredicateFunc

	validator *schema.Validator
}

// Validator returns the compiled field validator for this profile
func (p *Profile) Validator() *schema.Validator {
	return p.validator
}

// Registry holds the resolved profiles, keyed by entity kind. It is built
// during startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry creates an empty profile registry
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Register adds a profile to the registry, compiling its validator
func (r *Registry) Register(p *Profile) error {
	if p.EntityKind == "" {
		return fmt.Errorf("profile is missing an entity kind")
	}
	if p.Pipeline.Field == "" {
		return fmt.Errorf("profile %q is missing a pipeline field", p.EntityKind)
	}
	if _, exists := r.profiles[p.EntityKind]; exists {
		return fmt.Errorf("profile %q is already registered", p.EntityKind)
	}
	if p.CandidateLimit <= 0 {
		p.CandidateLimit = 10
	}

	p.validator = schema.NewValidatorFromSchema(p.Schema)
	r.profiles[p.EntityKind] = p
	return nil
}

// Get retrieves the profile for an entity kind
func (r *Registry) Get(entityKind string) (*Profile, error) {
	p, ok := r.profiles[entityKind]
	if !ok {
		return nil, fmt.Errorf("no profile registered for entity kind %q", entityKind)
	}
	return p, nil
}

// Kinds returns the registered entity kinds
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.profiles))
	for kind := range r.profiles {
		kinds = append(kinds, kind)
	}
	return kinds
}
