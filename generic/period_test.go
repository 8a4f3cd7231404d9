package generic_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/settlement-engine/generic"
)

func march(d int) time.Time {
	return generic.NewDate(2025, time.March, d)
}

func TestPeriod_ContainsIsDayInclusive(t *testing.T) {
	// GIVEN: The week Mon 3 .. Sun 9 March
	// WHEN: Checking instants at both edges
	// THEN: Any time on the first or last day is inside; the day after is not

	p := generic.NewPeriod(march(3), march(9))

	assert.True(t, p.Contains(march(3)))
	assert.True(t, p.Contains(march(9).Add(23*time.Hour+59*time.Minute)))
	assert.False(t, p.Contains(march(10)))
	assert.False(t, p.Contains(march(2).Add(23*time.Hour)))
}

func TestPeriod_Validate(t *testing.T) {
	assert.NoError(t, generic.NewPeriod(march(3), march(3)).Validate())
	assert.ErrorIs(t, generic.NewPeriod(march(9), march(3)).Validate(), generic.ErrInvalidPeriod)
	assert.ErrorIs(t, generic.Period{End: march(3)}.Validate(), generic.ErrInvalidPeriod)
}

func TestPeriod_KeyIgnoresTimeOfDay(t *testing.T) {
	a := generic.NewPeriod(march(3).Add(8*time.Hour), march(9))
	b := generic.Period{Start: march(3), End: march(9).Add(17 * time.Hour)}

	assert.Equal(t, "2025-03-03/2025-03-09", a.Key())
	assert.Equal(t, a.Key(), b.Key())
}

func TestFrequencyWindows(t *testing.T) {
	// GIVEN: An anchor on Sunday 16 March 2025
	// WHEN: Building each frequency window
	// THEN: Weeks run Monday..Sunday and months are calendar months

	anchor := march(16)

	week := generic.WeekOf(anchor)
	assert.Equal(t, march(10), week.Start)
	assert.Equal(t, march(16), week.End)

	biweek := generic.BiweekOf(anchor)
	assert.Equal(t, march(3), biweek.Start)
	assert.Equal(t, march(16), biweek.End)

	month := generic.MonthOf(anchor)
	assert.Equal(t, march(1), month.Start)
	assert.Equal(t, march(31), month.End)

	assert.True(t, generic.AllTime().Contains(anchor))
}

func TestMoneyHelpers(t *testing.T) {
	assert.Equal(t, "10.13", generic.Cents(decimal.RequireFromString("10.125")).StringFixed(2))
	assert.True(t, generic.FloorZero(decimal.RequireFromString("-4.20")).IsZero())
	assert.Equal(t, "4.20", generic.FloorZero(decimal.RequireFromString("4.2")).StringFixed(2))
	assert.Equal(t, "12.50", generic.Percent(decimal.RequireFromString("250"), decimal.RequireFromString("5")).StringFixed(2))
}
