package session

import (
	"time"

	"github.com/shopspring/decimal"
)

const unboundedRemaining = 365 * 24 * time.Hour

var (
	minutesPerHour       = decimal.NewFromInt(60)
	secondsPerHour       = decimal.NewFromInt(3600)
	minimumBalanceFactor = decimal.NewFromInt(4)
)

// BillableMinutes rounds duration up to whole minutes, never less than one.
func BillableMinutes(duration time.Duration) int64 {
	if duration <= 0 {
		return 1
	}
	minutes := int64((duration + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		return 1
	}
	return minutes
}

// Cost prices a session: whole minutes at hourlyRate, rounded half away from zero to cents.
func Cost(duration time.Duration, hourlyRate decimal.Decimal) decimal.Decimal {
	if !hourlyRate.IsPositive() {
		return decimal.Zero
	}
	minutes := decimal.NewFromInt(BillableMinutes(duration))
	return minutes.Mul(hourlyRate).DivRound(minutesPerHour, 2)
}

// MinimumBalance is what a user needs to start a session at hourlyRate: a quarter hour.
func MinimumBalance(hourlyRate decimal.Decimal) decimal.Decimal {
	return hourlyRate.Div(minimumBalanceFactor)
}

// Remaining converts a balance into time at hourlyRate.
func Remaining(balance, hourlyRate decimal.Decimal) RemainingTime {
	if !hourlyRate.IsPositive() {
		return RemainingTime{Duration: unboundedRemaining, Unbounded: true}
	}
	if !balance.IsPositive() {
		return RemainingTime{}
	}
	seconds := balance.Mul(secondsPerHour).Div(hourlyRate).IntPart()
	if seconds >= int64(unboundedRemaining/time.Second) {
		return RemainingTime{Duration: unboundedRemaining}
	}
	return RemainingTime{Duration: time.Duration(seconds) * time.Second}
}
