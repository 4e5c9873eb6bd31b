package micro

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a currency value in micro-units (one millionth of the base
// unit). All arithmetic stays in integer space; the float conversions
// exist only for display.
type Amount int64

const UnitsPerMajor = 1_000_000

var ErrInvalidAmount = errors.New("invalid_amount")

// FromMajor converts whole base units to micro-units.
func FromMajor(units int64) Amount {
	return Amount(units * UnitsPerMajor)
}

func (a Amount) Int64() int64 { return int64(a) }

func (a Amount) IsPositive() bool { return a > 0 }

func (a Amount) IsNegative() bool { return a < 0 }

// Abs returns the magnitude of the amount.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// BasisPoints returns a*bp/10000 using integer arithmetic. Used for
// drift tolerance bands derived from an account limit.
func (a Amount) BasisPoints(bp int64) Amount {
	return Amount(int64(a) * bp / 10_000)
}

// String renders the amount as a decimal base-unit value, e.g.
// 1500000 -> "1.500000".
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/UnitsPerMajor, v%UnitsPerMajor)
}

// Parse reads either a bare integer micro-unit count ("1500000") or a
// decimal base-unit value ("1.5").
func Parse(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidAmount
	}
	if !strings.Contains(raw, ".") {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
		return Amount(v), nil
	}

	neg := false
	if strings.HasPrefix(raw, "-") {
		neg = true
		raw = raw[1:]
	}
	parts := strings.SplitN(raw, ".", 2)
	if len(parts[1]) > 6 {
		return 0, fmt.Errorf("%w: more than 6 fractional digits in %q", ErrInvalidAmount, raw)
	}
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	frac := parts[1] + strings.Repeat("0", 6-len(parts[1]))
	fracV, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	v := whole*UnitsPerMajor + fracV
	if neg {
		v = -v
	}
	return Amount(v), nil
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}
