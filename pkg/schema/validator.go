// Package schema validates raw proto fields before they are committed to a
// concrete entity. The engine knows nothing about domain validation rules;
// each entity-kind profile carries one of these schemas and the realizer
// refuses to apply any update that does not validate as a whole.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
)

// Schema defines the validation rules for one entity kind's fields
type Schema struct {
	Properties map[string]PropertyDefinition `json:"properties"`
	Required   []string                      `json:"required,omitempty"`
}

// PropertyDefinition defines a single property in an entity-kind schema
type PropertyDefinition struct {
	Type        string                        `json:"type"` // string, number, integer, boolean, array, object
	Format      string                        `json:"format,omitempty"`
	Description string                        `json:"description,omitempty"`
	Items       *PropertyDefinition           `json:"items,omitempty"`      // for array types
	Properties  map[string]PropertyDefinition `json:"properties,omitempty"` // for object types
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validating entity fields
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator validates raw field data against a schema
type Validator struct {
	schema Schema
}

// NewValidator creates a new validator from a JSON schema
func NewValidator(schemaJSON json.RawMessage) (*Validator, error) {
	var s Schema
	if err := json.Unmarshal(schemaJSON, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// NewValidatorFromSchema creates a new validator from a parsed schema
func NewValidatorFromSchema(s Schema) *Validator {
	return &Validator{schema: s}
}

// Validate validates field data against the schema. The result covers the
// whole map; callers treat any error as a rejection of the entire update.
func (v *Validator) Validate(data map[string]any) ValidationResult {
	result := ValidationResult{Valid: true, Errors: []ValidationError{}}

	for _, required := range v.schema.Required {
		if value, exists := data[required]; !exists || value == nil {
			result.Valid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   required,
				Message: "required field is missing",
			})
		}
	}

	for fieldName, fieldDef := range v.schema.Properties {
		value, exists := data[fieldName]
		if !exists || value == nil {
			continue // optional fields may be absent or null
		}

		fieldErrors := validateField(fieldName, value, fieldDef)
		if len(fieldErrors) > 0 {
			result.Valid = false
			result.Errors = append(result.Errors, fieldErrors...)
		}
	}

	return result
}

// validateField validates a single field value against its definition
func validateField(fieldName string, value any, def PropertyDefinition) []ValidationError {
	var errors []ValidationError

	if !isValidType(value, def.Type) {
		errors = append(errors, ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("expected type %s, got %s", def.Type, getTypeName(value)),
		})
		return errors
	}

	if def.Format != "" {
		if err := validateFormat(value, def.Format); err != nil {
			errors = append(errors, ValidationError{
				Field:   fieldName,
				Message: err.Error(),
			})
		}
	}

	if def.Type == "object" && def.Properties != nil {
		if objValue, ok := value.(map[string]any); ok {
			for nestedName, nestedDef := range def.Properties {
				if nestedValue, exists := objValue[nestedName]; exists && nestedValue != nil {
					errors = append(errors, validateField(fieldName+"."+nestedName, nestedValue, nestedDef)...)
				}
			}
		}
	}

	if def.Type == "array" && def.Items != nil {
		if arrValue, ok := value.([]any); ok {
			for i, item := range arrValue {
				errors = append(errors, validateField(fmt.Sprintf("%s[%d]", fieldName, i), item, *def.Items)...)
			}
		}
	}

	return errors
}

// isValidType checks if a value matches the expected JSON Schema type
func isValidType(value any, expectedType string) bool {
	if value == nil {
		return true
	}

	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int64, int32:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		rv := reflect.ValueOf(value)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	default:
		return true // unknown types pass (permissive)
	}
}

// getTypeName returns the JSON type name for a Go value
func getTypeName(value any) string {
	if value == nil {
		return "null"
	}

	switch value.(type) {
	case string:
		return "string"
	case float64, float32, int, int64, int32:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			return "array"
		}
		return fmt.Sprintf("%T", value)
	}
}

// validateFormat validates a value against a format constraint
func validateFormat(value any, format string) error {
	str, ok := value.(string)
	if !ok {
		return nil // formats only apply to strings
	}

	switch format {
	case "email":
		if !emailRegex.MatchString(str) {
			return fmt.Errorf("invalid email format")
		}
	case "date":
		if !dateRegex.MatchString(str) {
			return fmt.Errorf("invalid date format (expected YYYY-MM-DD)")
		}
	case "date-time":
		if !dateTimeRegex.MatchString(str) {
			return fmt.Errorf("invalid date-time format (expected ISO 8601)")
		}
	case "uuid":
		if !uuidRegex.MatchString(str) {
			return fmt.Errorf("invalid UUID format")
		}
	case "zipcode":
		if !zipcodeRegex.MatchString(str) {
			return fmt.Errorf("invalid zip code format")
		}
	}

	return nil
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?)?$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	zipcodeRegex  = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
)
