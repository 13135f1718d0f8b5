package render

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Repeat regions wrap the row prototype:
// <!--BEGIN:BLOCK_REPEAT...--> ... <!--END:BLOCK_REPEAT...-->
var (
	repeatRegionPattern = regexp.MustCompile(`(?s)<!--BEGIN:BLOCK_REPEAT[^>]*-->(.*?)<!--END:BLOCK_REPEAT[^>]*-->`)
	beginMarkerPattern  = regexp.MustCompile(`<!--BEGIN:BLOCK_REPEAT[^>]*-->`)
	rowPrototypePattern = regexp.MustCompile(`(?s)<tr[\s>].*?</tr>`)
)

// CountRepeatRegions returns the number of BEGIN repeat markers.
func CountRepeatRegions(html string) int {
	return len(beginMarkerPattern.FindAllString(html, -1))
}

// FillHTML substitutes header and totals tokens once and expands the row
// prototype inside each repeat region per row dict. With zero rows the
// prototype is dropped, not expanded. Page-info tokens become placeholder
// spans the PDF renderer fills.
func FillHTML(tpl string, header map[string]string, rows []map[string]string, totals map[string]string) string {
	if MixedSpelling(tpl) {
		logrus.WithField("component", "render").Warn("template mixes {token} and {{ token }} placeholder spellings")
	}

	out := repeatRegionPattern.ReplaceAllStringFunc(tpl, func(region string) string {
		return expandRegion(region, rows)
	})

	for token, value := range header {
		out = ReplaceToken(out, token, value)
	}
	for token, value := range totals {
		out = ReplaceToken(out, token, value)
	}

	// Remaining page-info placeholders become spans; everything else left
	// for the caller's warning pass.
	for _, token := range ExtractTokens(out) {
		if PageInfoToken(token) {
			out = ReplaceToken(out, token, pageSpan(token))
		}
	}
	return out
}

func expandRegion(region string, rows []map[string]string) string {
	proto := rowPrototypePattern.FindString(region)
	if proto == "" {
		return region
	}
	if len(rows) == 0 {
		return strings.Replace(region, proto, "", 1)
	}
	var b strings.Builder
	for _, row := range rows {
		filled := proto
		for token, value := range row {
			filled = ReplaceToken(filled, token, value)
		}
		b.WriteString(filled)
	}
	return strings.Replace(region, proto, b.String(), 1)
}

func pageSpan(token string) string {
	lower := strings.ToLower(token)
	if strings.Contains(lower, "count") || strings.Contains(lower, "total") {
		return `<span class="nr-page-count"></span>`
	}
	if strings.Contains(lower, "page_info") {
		return `<span class="nr-page-number"></span> / <span class="nr-page-count"></span>`
	}
	return `<span class="nr-page-number"></span>`
}

// UnfilledTokens lists placeholders that survived a fill; useful for
// warnings and for the pipeline token-subset invariant.
func UnfilledTokens(html string) []string {
	return ExtractTokens(html)
}
