package types

import "github.com/shopspring/decimal"

// RoundCents rounds a USD price to cent precision. Stop prices are derived
// by float arithmetic (avg price + configured offset); rounding through
// decimal avoids sending the broker values like 225.29999999999998.
func RoundCents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
