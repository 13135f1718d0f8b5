package sqlexec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var formatterPattern = regexp.MustCompile(`^([a-z_]+)(?:\(([^)]*)\))?$`)

// ApplyFormatters formats rendered values per the contract's formatters map
// (token -> spec). Stored values remain raw; only the returned copies are
// formatted. Unknown specs and unparseable values pass through unchanged.
func ApplyFormatters(res *Result, formatters map[string]string) *Result {
	if res == nil || len(formatters) == 0 {
		return res
	}
	out := &Result{
		Header: formatDict(res.Header, formatters),
		Totals: formatDict(res.Totals, formatters),
	}
	out.Rows = make([]map[string]string, len(res.Rows))
	for i, row := range res.Rows {
		out.Rows[i] = formatDict(row, formatters)
	}
	return out
}

func formatDict(dict map[string]string, formatters map[string]string) map[string]string {
	if dict == nil {
		return nil
	}
	out := make(map[string]string, len(dict))
	for k, v := range dict {
		if spec, ok := formatters[k]; ok {
			out[k] = FormatValue(v, spec)
		} else {
			out[k] = v
		}
	}
	return out
}

// FormatValue applies one formatter spec: percent(n), number(n), comma,
// date(layout). Date layouts accept YYYY/MM/DD/HH/mm/ss placeholders.
func FormatValue(v, spec string) string {
	m := formatterPattern.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil || v == "" {
		return v
	}
	name, arg := m[1], m[2]
	switch name {
	case "percent":
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return v
		}
		digits := parseDigits(arg, 2)
		return fmt.Sprintf("%.*f%%", digits, f*100)
	case "number":
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return v
		}
		digits := parseDigits(arg, 2)
		return fmt.Sprintf("%.*f", digits, f)
	case "comma":
		return groupThousands(v)
	case "date":
		t, ok := parseAnyDate(v)
		if !ok {
			return v
		}
		layout := dateLayout(arg)
		return t.Format(layout)
	default:
		return v
	}
}

func parseDigits(arg string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 0 {
		return def
	}
	return n
}

var inputDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
}

func parseAnyDate(v string) (time.Time, bool) {
	for _, layout := range inputDateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var layoutReplacer = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

func dateLayout(arg string) string {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "2006-01-02"
	}
	return layoutReplacer.Replace(arg)
}

func groupThousands(v string) string {
	neg := strings.HasPrefix(v, "-")
	s := strings.TrimPrefix(v, "-")
	intPart := s
	frac := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart, frac = s[:idx], s[idx:]
	}
	if _, err := strconv.Atoi(intPart); err != nil {
		return v
	}
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}
