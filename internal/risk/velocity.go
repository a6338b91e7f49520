package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// VelocityLimits caps spend (in cents) and transaction counts per period.
type VelocityLimits struct {
	PerTransaction int64 `json:"perTransaction"`
	Daily          int64 `json:"daily"`
	Weekly         int64 `json:"weekly"`
	Monthly        int64 `json:"monthly"`
	MaxDailyTx     int   `json:"maxDailyTransactions"`
	MaxWeeklyTx    int   `json:"maxWeeklyTransactions"`
	MaxMonthlyTx   int   `json:"maxMonthlyTransactions"`
}

var presets = map[string]VelocityLimits{
	"conservative": {
		PerTransaction: 50_000, Daily: 100_000, Weekly: 250_000, Monthly: 500_000,
		MaxDailyTx: 10, MaxWeeklyTx: 30, MaxMonthlyTx: 100,
	},
	"standard": {
		PerTransaction: 250_000, Daily: 500_000, Weekly: 1_500_000, Monthly: 5_000_000,
		MaxDailyTx: 25, MaxWeeklyTx: 100, MaxMonthlyTx: 300,
	},
	"premium": {
		PerTransaction: 1_000_000, Daily: 2_500_000, Weekly: 10_000_000, Monthly: 25_000_000,
		MaxDailyTx: 50, MaxWeeklyTx: 200, MaxMonthlyTx: 500,
	},
	"institutional": {
		PerTransaction: 10_000_000, Daily: 50_000_000, Weekly: 200_000_000, Monthly: 500_000_000,
		MaxDailyTx: 500, MaxWeeklyTx: 2000, MaxMonthlyTx: 10_000,
	},
}

// Preset returns the named limit set.
func Preset(name string) (VelocityLimits, error) {
	l, ok := presets[name]
	if !ok {
		return VelocityLimits{}, fmt.Errorf("risk: unknown velocity preset %q", name)
	}
	return l, nil
}

// StandardLimits is the default preset.
func StandardLimits() VelocityLimits { return presets["standard"] }

func cents(c int64) decimal.Decimal { return decimal.New(c, -2) }

// toCents converts dollars to whole cents, rounding fractions of a cent up.
func toCents(d decimal.Decimal) int64 { return d.Shift(2).Ceil().IntPart() }
