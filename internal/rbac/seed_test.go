package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k9ops/k9ops/internal/shared"
)

func TestDefaultSeedIsConsistent(t *testing.T) {
	seed, err := DefaultSeed()
	require.NoError(t, err)

	c := NewCatalog()
	for _, p := range seed.Permissions() {
		_, _, err := c.Register(p)
		require.NoError(t, err)
	}

	for _, key := range shared.AdminScopes() {
		_, ok := c.Lookup(key)
		assert.True(t, ok, "admin scope %s missing from catalog", key)
	}

	for _, role := range shared.Roles() {
		patterns := seed.Baseline(role)
		require.NotEmpty(t, patterns, role)
		_, unmatched := c.Expand(patterns...)
		assert.Empty(t, unmatched, "role %s references unknown keys", role)
	}

	all, _ := c.Expand(seed.Baseline(shared.RoleGeneralAdmin)...)
	assert.Equal(t, c.Len(), len(all))
}

func TestSeedCategoryNames(t *testing.T) {
	seed, err := DefaultSeed()
	require.NoError(t, err)

	assert.Equal(t, "الكلاب", seed.CategoryName("dogs", "ar"))
	assert.Equal(t, "Dogs", seed.CategoryName("dogs", "en"))
	assert.Equal(t, "unknown", seed.CategoryName("unknown", "ar"))
}

func TestParseSeedRejectsBadEntries(t *testing.T) {
	_, err := ParseSeed([]byte(`
categories:
  - key: dogs
    permissions:
      - {key: dogs, name: Dogs}
`))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseSeed([]byte(`
categories:
  - key: dogs
    permissions:
      - {key: training.view, name: Misfiled}
`))
	assert.Error(t, err)

	_, err = ParseSeed([]byte(`
categories:
  - key: dogs
    permissions:
      - {key: dogs.view, name: One}
      - {key: dogs.view, name: Two}
`))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("categories: [unterminated"))
	assert.Error(t, err)
}
