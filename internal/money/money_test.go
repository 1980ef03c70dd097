package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitMinimalTruncate(t *testing.T) {
	u := NewUnit(8, Truncate)
	minimal, err := u.Minimal("0.000050005")
	require.NoError(t, err)
	assert.Equal(t, "5000", minimal.String())
}

func TestUnitMinimalHalfUp(t *testing.T) {
	u := NewUnit(2, HalfUp)
	minimal, err := u.Minimal("1.005")
	require.NoError(t, err)
	assert.Equal(t, "101", minimal.String())
}

func TestUnitMinimalRejectsNegative(t *testing.T) {
	u := NewUnit(8, Truncate)
	_, err := u.Minimal("-1")
	assert.Error(t, err)
}

func TestUnitMinimalRejectsGarbage(t *testing.T) {
	u := NewUnit(8, Truncate)
	_, err := u.Minimal("not-a-number")
	assert.Error(t, err)
}

func TestUnitDecimalRoundTrip(t *testing.T) {
	u := NewUnit(8, Truncate)
	minimal, err := u.Minimal("1.23456789")
	require.NoError(t, err)
	assert.Equal(t, "1.23456789", u.Decimal(minimal))
}

func TestUnitDecimalPadsZeroes(t *testing.T) {
	u := NewUnit(6, Truncate)
	minimal, err := u.Minimal("2")
	require.NoError(t, err)
	assert.Equal(t, "2.000000", u.Decimal(minimal))
}

func TestAddSubCmp(t *testing.T) {
	assert.Equal(t, "3", Add("1", "2"))
	assert.Equal(t, "-1", Sub("1", "2"))
	assert.Equal(t, 0, Cmp("1.0", "1"))
	assert.Equal(t, -1, Cmp("1", "2"))
	assert.Equal(t, 1, Cmp("2", "1"))
}

func TestIsZero(t *testing.T) {
	assert.True(t, IsZero(""))
	assert.True(t, IsZero("0"))
	assert.True(t, IsZero("0.000"))
	assert.False(t, IsZero("0.001"))
}

func TestFromInt64(t *testing.T) {
	assert.Equal(t, "42", FromInt64(42))
}

func TestDefaultRoundingIsTruncate(t *testing.T) {
	u := NewUnit(2, "")
	minimal, err := u.Minimal("1.999")
	require.NoError(t, err)
	assert.Equal(t, "199", minimal.String())
}
