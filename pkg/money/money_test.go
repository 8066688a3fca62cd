package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

func TestNormalizeExplicitUnits(t *testing.T) {
	major, err := Normalize(decimal.RequireFromString("25.00"), enums.AmountUnitMajor)
	require.NoError(t, err)
	minor, err := Normalize(decimal.RequireFromString("2500"), enums.AmountUnitMinor)
	require.NoError(t, err)

	assert.Equal(t, int64(2500), major.Cents)
	assert.Equal(t, int64(2500), minor.Cents)
	assert.False(t, major.Inferred)
	assert.False(t, minor.Inferred)
}

func TestNormalizeExplicitUnitOverridesMagnitude(t *testing.T) {
	got, err := Normalize(decimal.RequireFromString("2500"), enums.AmountUnitMajor)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), got.Cents)

	got, err = Normalize(decimal.RequireFromString("25"), enums.AmountUnitMinor)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Cents)
}

func TestNormalizeInference(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
		unit enums.AmountUnit
	}{
		{"25.00", 2500, enums.AmountUnitMajor},
		{"2500", 2500, enums.AmountUnitMinor},
		{"19.99", 1999, enums.AmountUnitMajor},
		{"25", 2500, enums.AmountUnitMajor},
		{"50", 50, enums.AmountUnitMinor},
	}
	for _, tc := range cases {
		got, err := Normalize(decimal.RequireFromString(tc.raw), enums.AmountUnitUnspecified)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got.Cents, tc.raw)
		assert.Equal(t, tc.unit, got.Unit, tc.raw)
		assert.True(t, got.Inferred, tc.raw)
	}
}

func TestNormalizeRejects(t *testing.T) {
	_, err := Normalize(decimal.Zero, enums.AmountUnitMinor)
	assert.ErrorIs(t, err, ErrNonPositive)

	_, err = Normalize(decimal.RequireFromString("-5"), enums.AmountUnitMajor)
	assert.ErrorIs(t, err, ErrNonPositive)

	_, err = Normalize(decimal.RequireFromString("10.005"), enums.AmountUnitMajor)
	assert.ErrorIs(t, err, ErrSubCent)

	_, err = Normalize(decimal.RequireFromString("2500.5"), enums.AmountUnitMinor)
	assert.ErrorIs(t, err, ErrFractionCents)

	_, err = Normalize(decimal.RequireFromString("10"), enums.AmountUnit("pennies"))
	assert.Error(t, err)
}

func TestFormattingHelpers(t *testing.T) {
	assert.Equal(t, "25.00 USD", Format(2500, enums.CurrencyUSD))
	assert.Equal(t, int64(1300), CeilToMajor(1201))
	assert.Equal(t, int64(1200), CeilToMajor(1200))
}
