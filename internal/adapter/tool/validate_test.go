package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireField(t *testing.T) {
	assert.NoError(t, RequireField("name", "x"))
	assert.EqualError(t, RequireField("name", "  "), "'name' is required")
}

func TestValidateEnum(t *testing.T) {
	assert.NoError(t, ValidateEnum("stage", "", "a", "b"))
	assert.NoError(t, ValidateEnum("stage", "b", "a", "b"))
	assert.EqualError(t, ValidateEnum("stage", "c", "a", "b"), `invalid stage "c" (want: a, b)`)
}

func TestValidateEmail(t *testing.T) {
	addr, err := ValidateEmail(" Jane@Acme.Example ")
	require.NoError(t, err)
	assert.Equal(t, "jane@acme.example", addr)
	assert.Equal(t, "acme.example", emailDomain(addr))

	for _, bad := range []string{"", "jane", "a@", "Jane <jane@acme.example>"} {
		_, err := ValidateEmail(bad)
		assert.Error(t, err, bad)
	}
}
