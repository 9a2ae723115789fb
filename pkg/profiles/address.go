package profiles

import (
	"strings"

	"github.com/Ramsey-B/aster/pkg/normalizers"
	"github.com/Ramsey-B/aster/pkg/schema"
)

func addressSteps() []normalizers.Normalizer {
	return []normalizers.Normalizer{
		normalizers.Transliterate,
		normalizers.Lowercase,
		normalizers.TokenReplacer(normalizers.AddressSuffixLookups),
		normalizers.TokenReplacer(normalizers.AddressDirectionLookups),
		normalizers.TokenReplacer(normalizers.AddressUnitLookups),
		normalizers.CollapseWhitespace,
	}
}

func addressSchema() schema.Schema {
	return schema.Schema{
		Properties: map[string]schema.PropertyDefinition{
			"street_line1": {Type: "string"},
			"street_line2": {Type: "string"},
			"city":         {Type: "string"},
			"region":       {Type: "string"},
			"zipcode":      {Type: "string", Format: "zipcode"},
		},
		Required: []string{"street_line1"},
	}
}

// addressPredicates restricts candidates to the same city/region when the
// proto carries those fields. Candidates in a different city are never
// duplicates no matter how similar the street line reads.
func addressPredicates(data map[string]any) []Predicate {
	var preds []Predicate
	for _, field := range []string{"city", "region"} {
		if v, ok := data[field].(string); ok && v != "" {
			preds = append(preds, Predicate{Field: field, Op: PredicateOpEqual, Value: strings.ToLower(v)})
		}
	}
	return preds
}

// AddressProfile resolves street addresses on their first street line
func AddressProfile() *Profile {
	return &Profile{
		EntityKind:           "address",
		Pipeline:             normalizers.Pipeline{Field: "street_line1", Steps: addressSteps()},
		ProfileThreshold:     400,
		LevenshteinThreshold: 6,
		CandidateLimit:       10,
		Schema:               addressSchema(),
		ExtraPredicates:      addressPredicates,
	}
}

// StrictAddressProfile resolves the "address_strict" kind: same pipeline
// and thresholds as AddressProfile, but candidates must also share the
// proto's street number prefix, shrinking the window for dense tables.
func StrictAddressProfile() *Profile {
	p := AddressProfile()
	p.EntityKind = "address_strict"
	p.ExtraPredicates = func(data map[string]any) []Predicate {
		preds := addressPredicates(data)
		if street, ok := data["street_line1"].(string); ok {
			if number, _, found := strings.Cut(strings.TrimSpace(street), " "); found && number != "" {
				preds = append(preds, Predicate{Field: "street_line1", Op: PredicateOpPrefix, Value: number})
			}
		}
		return preds
	}
	return p
}
