package money

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Amount
	}{
		{"one unit", "1.00", 100},
		{"fifty cents", "0.50", 50},
		{"hundred", "100", 10_000},
		{"smallest unit", "0.01", 1},
		{"short frac", "1.5", 150},
		{"trailing zeros beyond scale", "2.5000", 250},
		{"leading zeros", "007.50", 750},
		{"whitespace", "  400 ", 40_000},
		{"negative kept", "-3.10", -310},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "1.001", "0.005", "1e400"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestParse_ExponentLimits(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Amount
		err   error
	}{
		{"small exponent", "1.5e2", 15_000, nil},
		{"negative exponent", "150e-2", 150, nil},
		{"zero with huge exponent", "0e100000000", 0, nil},
		{"huge exponent", "1e100000000", 0, ErrOverflow},
		{"huge negative exponent", "1e-100000000", 0, ErrInvalid},
		{"past int64 in exponent form", "1e18", 0, ErrOverflow},
		{"at the exponent bound", "1e19", 0, ErrOverflow},
		{"sub-unit in exponent form", "1e-3", 0, ErrInvalid},
		{"exponent beyond int32", "1e9999999999", 0, ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan struct{})
			var (
				got Amount
				err error
			)
			go func() {
				defer close(done)
				got, err = Parse(tt.input)
			}()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatalf("Parse(%q) did not return within 1s", tt.input)
			}

			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalJSON_HugeExponent(t *testing.T) {
	var a Amount
	assert.ErrorIs(t, json.Unmarshal([]byte(`1e100000000`), &a), ErrOverflow)
	assert.ErrorIs(t, json.Unmarshal([]byte(`"1e-100000000"`), &a), ErrInvalid)
}

func TestString(t *testing.T) {
	assert.Equal(t, "600.00", Amount(60_000).String())
	assert.Equal(t, "0.01", Amount(1).String())
	assert.Equal(t, "0.00", Zero.String())
	assert.Equal(t, "-4.50", Amount(-450).String())
}

func TestAddSub_Overflow(t *testing.T) {
	_, err := Amount(math.MaxInt64).Add(1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Amount(math.MinInt64).Sub(1)
	assert.ErrorIs(t, err, ErrOverflow)

	sum, err := Amount(100).Add(250)
	require.NoError(t, err)
	assert.Equal(t, Amount(350), sum)

	diff, err := Amount(100).Sub(250)
	require.NoError(t, err)
	assert.Equal(t, Amount(-150), diff)
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(Amount(123_456))
	require.NoError(t, err)
	assert.Equal(t, `"1234.56"`, string(b))

	var fromString, fromNumber Amount
	require.NoError(t, json.Unmarshal([]byte(`"400.00"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`400`), &fromNumber))
	assert.Equal(t, Amount(40_000), fromString)
	assert.Equal(t, fromString, fromNumber)

	var bad Amount
	assert.Error(t, json.Unmarshal([]byte(`"12.345"`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`null`), &bad))
}

func TestScan(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan([]byte("1000.00")))
	assert.Equal(t, Amount(100_000), a)

	require.NoError(t, a.Scan("0.10"))
	assert.Equal(t, Amount(10), a)

	require.NoError(t, a.Scan(int64(7)))
	assert.Equal(t, Amount(700), a)

	require.NoError(t, a.Scan(nil))
	assert.Equal(t, Zero, a)

	assert.Error(t, a.Scan(true))

	v, err := Amount(60_000).Value()
	require.NoError(t, err)
	assert.Equal(t, "600.00", v)
}
