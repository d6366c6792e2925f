// Package money computes pre-tax, VAT and tax-inclusive amounts.
//
// Every amount is rounded half-up to two decimals per line before any
// aggregation; document totals are the rounded sum of rounded lines.
package money

import "github.com/shopspring/decimal"

// Scale is the number of decimals kept on every monetary amount.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// Limit is the exclusive bound of any stored amount: 12 integer digits.
var Limit = decimal.New(1, 12)

// Amounts holds the HT, VAT and TTC figures of a line or a document.
type Amounts struct {
	HT  decimal.Decimal
	VAT decimal.Decimal
	TTC decimal.Decimal
}

// Zero returns amounts with all three figures at 0.
func Zero() Amounts {
	return Amounts{HT: decimal.Zero, VAT: decimal.Zero, TTC: decimal.Zero}
}

// Round2 rounds half-up (away from zero) to two decimals.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// LineAmounts computes the amounts of a single line. Inputs are expected to be
// validated by the caller.
func LineAmounts(quantity, unitPrice, vatRate decimal.Decimal) Amounts {
	ht := Round2(quantity.Mul(unitPrice))
	vat := Round2(ht.Mul(vatRate).Div(hundred))
	return Amounts{
		HT:  ht,
		VAT: vat,
		TTC: Round2(ht.Add(vat)),
	}
}

// Total sums already-rounded line amounts and rounds each sum again.
func Total(lines []Amounts) Amounts {
	total := Zero()
	for _, l := range lines {
		total.HT = total.HT.Add(l.HT)
		total.VAT = total.VAT.Add(l.VAT)
		total.TTC = total.TTC.Add(l.TTC)
	}
	return Amounts{
		HT:  Round2(total.HT),
		VAT: Round2(total.VAT),
		TTC: Round2(total.TTC),
	}
}

// Fits reports whether d can be stored as an amount.
func Fits(d decimal.Decimal) bool {
	return d.Abs().LessThan(Limit)
}

// Fits reports whether all three figures can be stored.
func (a Amounts) Fits() bool {
	return Fits(a.HT) && Fits(a.VAT) && Fits(a.TTC)
}

// Format renders an amount with exactly two decimals.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
