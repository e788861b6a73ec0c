package format

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	daysPerYear = 365.25

	// QuotePlaces is the precision of a deposit quote.
	QuotePlaces = 4
)

// ValidRate reports whether annualRatePercent yields a usable growth factor.
func ValidRate(annualRatePercent float64) bool {
	return !math.IsNaN(annualRatePercent) && !math.IsInf(annualRatePercent, 0) && annualRatePercent > -100
}

// YearsUntil returns the time from now to due in years. Due dates at or
// before now yield zero.
func YearsUntil(now, due time.Time) float64 {
	d := due.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Hours() / 24 / daysPerYear
}

// DiscountedDeposit returns the deposit needed today so that it compounds to
// amount by due at annualRatePercent per year:
//
//	deposit = amount / (1 + rate/100)^years
//
// A past due date has a zero horizon and needs the full amount, as does a rate
// with no finite positive growth factor (at or below -100%). The result is
// rounded to QuotePlaces.
func DiscountedDeposit(amount decimal.Decimal, now, due time.Time, annualRatePercent float64) decimal.Decimal {
	if amount.IsZero() {
		return decimal.Zero
	}
	years := YearsUntil(now, due)
	if years == 0 || annualRatePercent == 0 {
		return amount.Round(QuotePlaces)
	}
	growth := math.Pow(1+annualRatePercent/100, years)
	if growth <= 0 || math.IsNaN(growth) || math.IsInf(growth, 0) {
		return amount.Round(QuotePlaces)
	}
	return amount.Div(decimal.NewFromFloat(growth)).Round(QuotePlaces)
}
