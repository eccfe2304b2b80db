package keygen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefaultShape(t *testing.T) {
	g := Default()
	pattern := regexp.MustCompile(`^POS-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

	for i := 0; i < 200; i++ {
		key, err := g.Generate()
		require.NoError(t, err)
		assert.Regexp(t, pattern, key)
		assert.True(t, g.Valid(key))
	}
}

func TestGenerateCustomShape(t *testing.T) {
	g := New("ACME", 2, 6)

	key, err := g.Generate()
	require.NoError(t, err)
	assert.Len(t, key, len("ACME-XXXXXX-XXXXXX"))
	assert.True(t, g.Valid(key))
	assert.False(t, Default().Valid(key))
}

func TestNewFillsDefaults(t *testing.T) {
	assert.Equal(t, Default(), New("", 0, -1))
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	g := Default()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		key, err := g.Generate()
		require.NoError(t, err)
		seen[key] = struct{}{}
	}
	// 36^16 possible keys; a repeat here means the randomness source is broken.
	assert.Len(t, seen, 1000)
}

func TestValid(t *testing.T) {
	g := Default()
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"canonical", "POS-AB12-CD34-EF56-GH78", true},
		{"lowercase", "POS-ab12-CD34-EF56-GH78", false},
		{"wrong prefix", "POX-AB12-CD34-EF56-GH78", false},
		{"short segment", "POS-AB1-CD34-EF56-GH78", false},
		{"too few segments", "POS-AB12-CD34-EF56", false},
		{"symbol", "POS-AB12-CD34-EF56-GH7!", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Valid(tt.key))
		})
	}
}
