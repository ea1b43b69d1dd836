package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{in: "10", want: 100_000},
		{in: "10.00", want: 100_000},
		{in: "0.06", want: 600},
		{in: "0.0001", want: 1},
		{in: "-0.15", want: -1500},
		{in: "9.97", want: 99_700},
		{in: "+1.5", want: 15_000},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "1.", wantErr: true},
		{in: "0.00001", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "9.9700", MustParse("9.97").String())
	assert.Equal(t, "0.0900", MustParse("0.09").String())
	assert.Equal(t, "-0.1500", MustParse("-0.15").String())
	assert.Equal(t, "0.0000", Amount(0).String())
}

func TestPerThousand(t *testing.T) {
	// 0.06 CNY per 1K tokens, 1500 tokens -> exactly 0.0900.
	rate := MustParse("0.06")
	assert.Equal(t, MustParse("0.09"), PerThousand(rate, 1500))

	// Determinism: repeated computation yields the identical amount.
	assert.Equal(t, PerThousand(rate, 1500), PerThousand(rate, 1500))

	// 0.03 CNY per 1K tokens (0.00003/token), 1000 tokens -> 0.03.
	assert.Equal(t, MustParse("0.03"), PerThousand(MustParse("0.03"), 1000))

	// Half-up rounding at the 4th decimal: 0.001/1K * 500 = 0.0005.
	assert.Equal(t, Amount(5), PerThousand(Amount(10), 500))
	// 0.0001/1K * 5 = 0.0000005 -> rounds to 0.0000? 1*5=5, (5+500)/1000=0.
	assert.Equal(t, Amount(0), PerThousand(Amount(1), 5))
	// (1*500+500)/1000 = 1 -> exactly half rounds up.
	assert.Equal(t, Amount(1), PerThousand(Amount(1), 500))

	assert.Equal(t, Amount(0), PerThousand(rate, 0))
}

func TestJSONRoundTrip(t *testing.T) {
	b, err := json.Marshal(MustParse("0.09"))
	require.NoError(t, err)
	assert.Equal(t, `"0.0900"`, string(b))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"9.97"`), &a))
	assert.Equal(t, MustParse("9.97"), a)
}
