package sqlexec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatValue(t *testing.T) {
	cases := []struct {
		name string
		v    string
		spec string
		want string
	}{
		{"percent default digits", "0.1234", "percent", "12.34%"},
		{"percent one digit", "0.1234", "percent(1)", "12.3%"},
		{"number", "3.14159", "number(2)", "3.14"},
		{"comma", "1234567", "comma", "1,234,567"},
		{"comma negative with fraction", "-1234.5", "comma", "-1,234.5"},
		{"comma non-numeric passthrough", "n/a", "comma", "n/a"},
		{"date default layout", "2026-01-31 12:00:00", "date", "2026-01-31"},
		{"date custom layout", "2026-01-31", "date(DD/MM/YYYY)", "31/01/2026"},
		{"date unparseable passthrough", "tomorrow", "date", "tomorrow"},
		{"unknown spec passthrough", "42", "sparkle", "42"},
		{"empty value passthrough", "", "number(2)", ""},
		{"percent non-numeric passthrough", "many", "percent", "many"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, FormatValue(tc.v, tc.spec))
		})
	}
}

func TestApplyFormattersLeavesStoredValuesRaw(t *testing.T) {
	res := &Result{
		Header: map[string]string{"ratio": "0.5", "name": "ACME"},
		Rows:   []map[string]string{{"row_amount": "1000"}},
		Totals: map[string]string{"total_amount": "12345.6"},
	}
	formatters := map[string]string{
		"ratio":        "percent",
		"row_amount":   "comma",
		"total_amount": "comma",
	}

	out := ApplyFormatters(res, formatters)
	require.Equal(t, "50.00%", out.Header["ratio"])
	require.Equal(t, "ACME", out.Header["name"])
	require.Equal(t, "1,000", out.Rows[0]["row_amount"])
	require.Equal(t, "12,345.6", out.Totals["total_amount"])

	// Original untouched.
	require.Equal(t, "0.5", res.Header["ratio"])
	require.Equal(t, "1000", res.Rows[0]["row_amount"])
}

func TestApplyFormattersNilSafe(t *testing.T) {
	require.Nil(t, ApplyFormatters(nil, map[string]string{"a": "comma"}))
	res := &Result{Header: map[string]string{"a": "1"}}
	require.Same(t, res, ApplyFormatters(res, nil))
}
