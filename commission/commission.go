// Package commission computes the platform's cut of a settled amount.
package commission

import "github.com/shopspring/decimal"

// DefaultRate is the platform commission applied when no override is configured.
const DefaultRate = 0.10

// Breakdown is the money split for a single settlement event. All fields are
// rounded to 2 decimal places and Commission + Net == Gross exactly.
type Breakdown struct {
	Gross      float64
	Commission float64
	Net        float64
}

// Calculator splits gross amounts at a fixed rate. The zero value is not
// usable; construct with New.
type Calculator struct {
	rate decimal.Decimal
}

// New returns a Calculator for the given rate. Rates outside (0, 1) fall back
// to DefaultRate.
func New(rate float64) Calculator {
	if rate <= 0 || rate >= 1 {
		rate = DefaultRate
	}
	return Calculator{rate: decimal.NewFromFloat(rate)}
}

// Split computes the commission and net for gross. Each field is rounded
// exactly once; the net is derived by subtraction from the rounded gross so
// the invariant commission + net == gross holds at 2 decimal places.
func (c Calculator) Split(gross float64) Breakdown {
	g := decimal.NewFromFloat(gross).Round(2)
	fee := g.Mul(c.rate).Round(2)
	net := g.Sub(fee)
	return Breakdown{
		Gross:      g.InexactFloat64(),
		Commission: fee.InexactFloat64(),
		Net:        net.InexactFloat64(),
	}
}

// Rate reports the configured rate as a float.
func (c Calculator) Rate() float64 {
	return c.rate.InexactFloat64()
}
