package domain

import "fmt"

// MicroUSD is a monetary amount in millionths of a US dollar.
// All budget arithmetic happens in this fixed-point representation;
// float dollars only appear at presentation boundaries.
type MicroUSD int64

const microPerDollar = 1_000_000

// DollarsToMicro converts a decimal dollar amount to micro-dollars.
func DollarsToMicro(d float64) MicroUSD {
	if d <= 0 {
		return 0
	}
	return MicroUSD(d*microPerDollar + 0.5)
}

// Dollars returns the amount as decimal dollars for display.
func (m MicroUSD) Dollars() float64 {
	return float64(m) / microPerDollar
}

// String formats the amount as a dollar string, e.g. "$1.2345".
func (m MicroUSD) String() string {
	return fmt.Sprintf("$%.4f", m.Dollars())
}
