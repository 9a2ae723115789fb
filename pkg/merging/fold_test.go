package merging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	tests := []struct {
		name       string
		master     map[string]any
		duplicate  map[string]any
		expected   map[string]any
		wantFolded []string
	}{
		{
			name:       "master wins on conflict",
			master:     map[string]any{"city": "Austin"},
			duplicate:  map[string]any{"city": "Dallas"},
			expected:   map[string]any{"city": "Austin"},
			wantFolded: nil,
		},
		{
			name:       "duplicate fills absent field",
			master:     map[string]any{"city": "Austin"},
			duplicate:  map[string]any{"zipcode": "78701"},
			expected:   map[string]any{"city": "Austin", "zipcode": "78701"},
			wantFolded: []string{"zipcode"},
		},
		{
			name:       "duplicate fills empty string",
			master:     map[string]any{"city": "Austin", "zipcode": ""},
			duplicate:  map[string]any{"zipcode": "78701"},
			expected:   map[string]any{"city": "Austin", "zipcode": "78701"},
			wantFolded: []string{"zipcode"},
		},
		{
			name:       "empty duplicate value never crosses over",
			master:     map[string]any{"city": "Austin"},
			duplicate:  map[string]any{"zipcode": "", "tags": []any{}, "extra": nil},
			expected:   map[string]any{"city": "Austin"},
			wantFolded: nil,
		},
		{
			name:       "nil master value is a gap",
			master:     map[string]any{"zipcode": nil},
			duplicate:  map[string]any{"zipcode": "78701"},
			expected:   map[string]any{"zipcode": "78701"},
			wantFolded: []string{"zipcode"},
		},
		{
			name:       "nested objects fold recursively",
			master:     map[string]any{"contact": map[string]any{"phone": "555-1234", "email": ""}},
			duplicate:  map[string]any{"contact": map[string]any{"phone": "555-9999", "email": "a@b.com"}},
			expected:   map[string]any{"contact": map[string]any{"phone": "555-1234", "email": "a@b.com"}},
			wantFolded: []string{"contact"},
		},
		{
			name:       "nested fold with nothing to add stays silent",
			master:     map[string]any{"contact": map[string]any{"phone": "555-1234"}},
			duplicate:  map[string]any{"contact": map[string]any{"phone": "555-9999"}},
			expected:   map[string]any{"contact": map[string]any{"phone": "555-1234"}},
			wantFolded: nil,
		},
		{
			name:       "folded field list is sorted",
			master:     map[string]any{"city": "Austin"},
			duplicate:  map[string]any{"zipcode": "78701", "region": "TX"},
			expected:   map[string]any{"city": "Austin", "region": "TX", "zipcode": "78701"},
			wantFolded: []string{"region", "zipcode"},
		},
		{
			name:       "type mismatch keeps master",
			master:     map[string]any{"contact": "555-1234"},
			duplicate:  map[string]any{"contact": map[string]any{"phone": "555-9999"}},
			expected:   map[string]any{"contact": "555-1234"},
			wantFolded: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, folded := Fold(tt.master, tt.duplicate)
			assert.Equal(t, tt.expected, result)
			assert.Equal(t, tt.wantFolded, folded)
		})
	}
}

func TestFoldDoesNotMutateInputs(t *testing.T) {
	master := map[string]any{"city": "Austin"}
	duplicate := map[string]any{"zipcode": "78701"}

	Fold(master, duplicate)

	assert.Equal(t, map[string]any{"city": "Austin"}, master)
	assert.Equal(t, map[string]any{"zipcode": "78701"}, duplicate)
}
