package session

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCost(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name     string
		duration time.Duration
		rate     string
		want     string
	}{
		{name: "61 seconds bills two minutes", duration: 61 * time.Second, rate: "12000", want: "400.00"},
		{name: "zero duration bills one minute", duration: 0, rate: "60", want: "1.00"},
		{name: "sub minute bills one minute", duration: 10 * time.Second, rate: "60", want: "1.00"},
		{name: "exact hour", duration: time.Hour, rate: "5000", want: "5000.00"},
		{name: "half cent rounds away from zero", duration: 3 * time.Minute, rate: "0.10", want: "0.01"},
		{name: "free computer", duration: time.Hour, rate: "0", want: "0.00"},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			got := Cost(testCase.duration, decimal.RequireFromString(testCase.rate))
			if got.StringFixed(2) != testCase.want {
				test.Fatalf("expected %s, got %s", testCase.want, got.StringFixed(2))
			}
		})
	}
}

func TestCostDependsOnlyOnWholeMinutes(test *testing.T) {
	test.Parallel()
	rate := decimal.RequireFromString("17.35")
	for seconds := 1; seconds <= 600; seconds += 7 {
		duration := time.Duration(seconds) * time.Second
		rounded := time.Duration(BillableMinutes(duration)) * time.Minute
		if !Cost(duration, rate).Equal(Cost(rounded, rate)) {
			test.Fatalf("cost(%s) != cost(%s)", duration, rounded)
		}
	}
}

func TestCostIsMonotonic(test *testing.T) {
	test.Parallel()
	rate := decimal.RequireFromString("3.99")
	previous := decimal.Zero
	for seconds := 0; seconds <= 7200; seconds += 13 {
		current := Cost(time.Duration(seconds)*time.Second, rate)
		if current.LessThan(previous) {
			test.Fatalf("cost decreased at %ds: %s < %s", seconds, current, previous)
		}
		previous = current
	}
}

func TestMinimumBalance(test *testing.T) {
	test.Parallel()
	if got := MinimumBalance(decimal.RequireFromString("5000")); !got.Equal(decimal.RequireFromString("1250")) {
		test.Fatalf("expected 1250, got %s", got)
	}
}

func TestRemaining(test *testing.T) {
	test.Parallel()
	got := Remaining(decimal.RequireFromString("90"), decimal.RequireFromString("60"))
	if got.Unbounded || got.Duration != 90*time.Minute {
		test.Fatalf("expected 90m, got %+v", got)
	}
	if got := Remaining(decimal.RequireFromString("-5"), decimal.RequireFromString("60")); got.Duration != 0 {
		test.Fatalf("negative balance must leave no time, got %s", got.Duration)
	}
	if got := Remaining(decimal.RequireFromString("5"), decimal.Zero); !got.Unbounded || got.Duration != unboundedRemaining {
		test.Fatalf("free computer must be unbounded, got %+v", got)
	}
}
