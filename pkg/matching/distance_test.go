package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name     string
		a        string
		b        string
		expected int
	}{
		{"identical", "main street", "main street", 0},
		{"both empty", "", "", 0},
		{"empty vs value", "", "main", 4},
		{"value vs empty", "main", "", 4},
		{"single substitution", "street", "streat", 1},
		{"single insertion", "stret", "street", 1},
		{"single deletion", "street", "stret", 1},
		{"kitten sitting", "kitten", "sitting", 3},
		{"symmetric", "sitting", "kitten", 3},
		{"transposition costs two", "main", "mian", 2},
		{"unicode runes", "café", "cafe", 1},
		{"completely different", "abc", "xyz", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Distance(tt.a, tt.b))
		})
	}
}

func TestWithinDistance(t *testing.T) {
	assert.True(t, WithinDistance("street", "streat", 1))
	assert.True(t, WithinDistance("street", "street", 0))
	assert.False(t, WithinDistance("street", "avenue", 3))
}
