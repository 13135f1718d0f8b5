package render

import (
	"regexp"
	"sort"
	"strings"
)

// Both placeholder spellings are accepted: {token} and {{ token }}.
var (
	singleBracePattern = regexp.MustCompile(`\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}`)
	doubleBracePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
)

// ExtractTokens returns the sorted unique placeholder tokens in an HTML
// document, both spellings included.
func ExtractTokens(html string) []string {
	seen := map[string]bool{}
	for _, m := range doubleBracePattern.FindAllStringSubmatch(html, -1) {
		seen[m[1]] = true
	}
	// Strip double-brace matches first so the single-brace scan does not see
	// their inner braces.
	stripped := doubleBracePattern.ReplaceAllString(html, "")
	for _, m := range singleBracePattern.FindAllStringSubmatch(stripped, -1) {
		seen[m[1]] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MixedSpelling reports whether a document uses both placeholder spellings.
func MixedSpelling(html string) bool {
	double := doubleBracePattern.MatchString(html)
	stripped := doubleBracePattern.ReplaceAllString(html, "")
	single := singleBracePattern.MatchString(stripped)
	return double && single
}

// ReplaceToken substitutes every occurrence of one token (both spellings)
// with value.
func ReplaceToken(html, token, value string) string {
	double := regexp.MustCompile(`\{\{\s*` + regexp.QuoteMeta(token) + `\s*\}\}`)
	html = double.ReplaceAllLiteralString(html, value)
	single := regexp.MustCompile(`\{\s*` + regexp.QuoteMeta(token) + `\s*\}`)
	return single.ReplaceAllLiteralString(html, value)
}

// IsRowToken reports the row_* naming convention; row tokens expand per row
// and may never be treated as constants.
func IsRowToken(token string) bool {
	return strings.HasPrefix(token, "row_")
}

var dateLikeCues = []string{"date", "_at", "_on", "period", "month", "year", "day"}

// DateLike reports tokens with date semantics; these are never inlined as
// constants.
func DateLike(token string) bool {
	lower := strings.ToLower(token)
	for _, cue := range dateLikeCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

var pageInfoCues = []string{"page_info", "page_number", "page_count", "page_total", "page_no"}

// PageInfoToken reports page-number/page-total tokens that receive renderer
// placeholder spans instead of data bindings.
func PageInfoToken(token string) bool {
	lower := strings.ToLower(token)
	for _, cue := range pageInfoCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// ReportFilterToken reports tokens carrying date-window or page-info cues;
// the auto-map stage coerces their bindings to REPORT_SELECTED.
func ReportFilterToken(token string) bool {
	lower := strings.ToLower(token)
	if PageInfoToken(token) {
		return true
	}
	for _, cue := range []string{"from_date", "to_date", "start_date", "end_date", "date_range"} {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}
