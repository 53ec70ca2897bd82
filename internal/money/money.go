// Package money provides the fixed-point currency amount used by the ledger.
//
// Amounts are held as int64 minor units with 2 decimal places
// (1.00 = 100 units). There is a single currency; conversion is out of scope.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by an Amount.
const Decimals = 2

var (
	ErrInvalid  = errors.New("invalid amount")
	ErrOverflow = errors.New("amount overflow")
)

// Amount is a currency value in minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// Parse converts a decimal string (e.g. "1.50") to an Amount (150).
//
// Rules:
//   - Surrounding whitespace is ignored
//   - More than 2 significant fractional digits is rejected, not rounded
//   - Signs are preserved; callers decide whether negatives are acceptable
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return FromDecimal(d)
}

// maxExponent bounds the decimal exponent FromDecimal will scale. Values
// outside it are refused up front; scaling them would build a number with
// |exp| digits.
const maxExponent = 18

// FromDecimal converts d to an Amount. d must not carry sub-unit precision.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsZero() {
		return 0, nil
	}
	switch exp := d.Exponent(); {
	case exp > maxExponent:
		return 0, ErrOverflow
	case exp < -(Decimals + maxExponent):
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalid, Decimals)
	}
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalid, Decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(bi.Int64()), nil
}

// Decimal returns a as a decimal.Decimal in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Decimals)
}

// String formats a with exactly 2 decimal places (e.g. "600.00").
func (a Amount) String() string {
	return a.Decimal().StringFixed(Decimals)
}

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// Add returns a+b, failing instead of wrapping around.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, failing instead of wrapping around.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b == math.MinInt64 {
		return 0, ErrOverflow
	}
	return a.Add(-b)
}

// MarshalJSON encodes a as a quoted decimal string so clients never see
// binary floating point.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return ErrInvalid
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ErrInvalid
		}
		raw = s
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value implements driver.Valuer. Amounts are written to NUMERIC columns as text.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	case int64:
		d := decimal.NewFromInt(v)
		amt, err := FromDecimal(d)
		if err != nil {
			return err
		}
		*a = amt
		return nil
	case float64:
		amt, err := FromDecimal(decimal.NewFromFloat(v).Round(Decimals))
		if err != nil {
			return err
		}
		*a = amt
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
}

func (a *Amount) scanString(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
