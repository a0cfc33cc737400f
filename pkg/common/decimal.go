package common

import (
	"strconv"
	"strings"

	decimal2 "github.com/govalues/decimal"
)

type Decimal struct {
	decimal2.Decimal
}

func (dec *Decimal) Equal(o *Decimal) bool {
	return dec.Decimal.Cmp(o.Decimal) == 0
}

func (dec *Decimal) String() string {
	return dec.Decimal.String()
}

// Add stores lhs+rhs into dec. Overflow of the coefficient is reported.
func (dec *Decimal) Add(lhs *Decimal, rhs *Decimal) error {
	res, err := lhs.Decimal.Add(rhs.Decimal)
	if err != nil {
		return err
	}
	dec.Decimal = res
	return nil
}

func (dec *Decimal) Less(lhs, rhs *Decimal) bool {
	return lhs.Decimal.Cmp(rhs.Decimal) < 0
}

func (dec *Decimal) Greater(lhs, rhs *Decimal) bool {
	return lhs.Decimal.Cmp(rhs.Decimal) > 0
}

// Canonical strips trailing zeros so that equal values share one
// representation in group keys.
func (dec Decimal) Canonical() (neg bool, coef uint64, scale int) {
	d := dec.Decimal.Trim(0)
	return d.IsNeg(), d.Coef(), d.Scale()
}

// DecimalFromParts is the inverse of Canonical. The coefficient may use the
// full 19 digits, beyond the int64 range.
func DecimalFromParts(neg bool, coef uint64, scale int) (Decimal, error) {
	digits := strconv.FormatUint(coef, 10)
	if scale > 0 {
		if len(digits) <= scale {
			digits = strings.Repeat("0", scale-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	}
	if neg {
		digits = "-" + digits
	}
	return ParseDecimal(digits)
}

func ParseDecimal(s string) (Decimal, error) {
	d, err := decimal2.Parse(s)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Decimal: d}, nil
}
