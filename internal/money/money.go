// Package money implements fixed-point CNY amounts for billing.
//
// Amounts are stored as int64 counts of 0.0001 CNY so every ledger
// mutation and price calculation stays in integer arithmetic. Binary
// floating point is never used for money.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Scale is the number of minor units per yuan (4 decimal places).
const Scale int64 = 10_000

const decimals = 4

// Amount is a CNY amount in units of 0.0001 yuan. It may be negative.
type Amount int64

var ErrInvalidAmount = errors.New("invalid_amount")

// Parse converts a decimal string such as "10", "0.06" or "-0.15" into
// an Amount. At most 4 fractional digits are accepted.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return 0, ErrInvalidAmount
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
		if fracPart == "" {
			return 0, ErrInvalidAmount
		}
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > decimals {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, decimals)
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}

	frac := int64(0)
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
		for i := len(fracPart); i < decimals; i++ {
			frac *= 10
		}
	}

	v := whole*Scale + frac
	if neg {
		v = -v
	}
	return Amount(v), nil
}

// MustParse is Parse for compile-time constants in tests and seeds.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromYuan converts a whole number of yuan.
func FromYuan(yuan int64) Amount {
	return Amount(yuan * Scale)
}

// String formats the amount with all 4 decimal places, e.g. "9.9700".
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%04d", sign, v/Scale, v%Scale)
}

// MarshalJSON renders the amount as a decimal string so clients never
// see binary floating point artifacts.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// PerThousand prices quantity units at rate per 1000 units, rounding
// half-up at the 4th decimal place. The same inputs always produce the
// same output, which the usage audit trail depends on.
func PerThousand(rate Amount, quantity int64) Amount {
	if quantity <= 0 || rate <= 0 {
		return 0
	}
	total := int64(rate) * quantity
	return Amount((total + 500) / 1000)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// Yuan converts to float64 yuan. For metrics and display only; never
// feed the result back into billing arithmetic.
func (a Amount) Yuan() float64 { return float64(a) / float64(Scale) }
