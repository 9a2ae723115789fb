// Package normalizers provides the field normalization pipeline used for
// fingerprinting and edit-distance analysis. Every step is a deterministic,
// side-effect-free string transform so identical inputs always normalize
// identically.
package normalizers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer is a single pipeline step
type Normalizer func(string) string

// MissingFieldError indicates a pipeline's source field was absent from the
// raw data. The engine does not guess at missing fields.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("required field %q is missing", e.Field)
}

// Pipeline extracts one source field from raw data and runs it through an
// ordered list of normalizer steps.
type Pipeline struct {
	Field string
	Steps []Normalizer
}

// Normalize runs the pipeline against a raw field map. Returns a
// MissingFieldError when the source field is absent or nil.
func (p Pipeline) Normalize(fields map[string]any) (string, error) {
	raw, ok := fields[p.Field]
	if !ok || raw == nil {
		return "", &MissingFieldError{Field: p.Field}
	}

	value := toString(raw)
	for _, step := range p.Steps {
		value = step(value)
	}
	return value, nil
}

// NormalizeValue runs only the steps against an already-extracted value.
// Used when scoring stored entities, whose field extraction happens at the
// repository layer.
func (p Pipeline) NormalizeValue(value string) string {
	for _, step := range p.Steps {
		value = step(value)
	}
	return value
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without a mantissa
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Built-in normalizers. Profiles assemble pipelines from these directly;
// there is no name-keyed lookup.

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Transliterate folds accented characters to their ASCII base form and
// drops anything that still falls outside ASCII afterwards.
func Transliterate(s string) string {
	folded, _, err := transform.String(asciiFold, s)
	if err != nil {
		folded = s
	}

	var result strings.Builder
	for _, r := range folded {
		if r < unicode.MaxASCII {
			result.WriteRune(r)
		}
	}
	return result.String()
}

var spaceRe = regexp.MustCompile(`\s+`)

// CollapseWhitespace squeezes runs of whitespace into single spaces
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only alphanumeric characters
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// TokenReplacer builds a normalizer that substitutes whole tokens using the
// given lookup table. Substitution is word-boundary safe: "street" inside
// "streetlight" is left alone. The regex set is compiled once at
// construction, which is why profiles are resolved at startup rather than
// per call.
func TokenReplacer(lookup map[string]string) Normalizer {
	type tokenPattern struct {
		re          *regexp.Regexp
		replacement string
	}

	// Longest token first, then lexicographic, so overlapping tokens
	// ("street" vs "st") apply in a deterministic order.
	tokens := make([]string, 0, len(lookup))
	for token := range lookup {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	patterns := make([]tokenPattern, 0, len(tokens))
	for _, token := range tokens {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(token) + `\b`)
		patterns = append(patterns, tokenPattern{re: re, replacement: lookup[token]})
	}

	return func(s string) string {
		for _, p := range patterns {
			s = p.re.ReplaceAllString(s, p.replacement)
		}
		return s
	}
}
