package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const rowTemplate = `<html><body>
<p>{customer_name}</p>
<table>
<!--BEGIN:BLOCK_REPEAT rows-->
<tbody>
<tr><td>{row_item}</td><td>{row_amount}</td></tr>
</tbody>
<!--END:BLOCK_REPEAT rows-->
</table>
<p>{total_due}</p>
</body></html>`

func TestFillHTMLExpandsRows(t *testing.T) {
	out := FillHTML(rowTemplate,
		map[string]string{"customer_name": "ACME"},
		[]map[string]string{
			{"row_item": "Widget", "row_amount": "10.00"},
			{"row_item": "Gadget", "row_amount": "5.50"},
		},
		map[string]string{"total_due": "15.50"},
	)

	require.Contains(t, out, "ACME")
	require.Contains(t, out, "Widget")
	require.Contains(t, out, "Gadget")
	require.Contains(t, out, "15.50")
	require.Equal(t, 2, strings.Count(out, "<tr>"))
	require.Empty(t, UnfilledTokens(out))
}

func TestFillHTMLZeroRowsDropsPrototype(t *testing.T) {
	out := FillHTML(rowTemplate,
		map[string]string{"customer_name": "ACME"},
		nil,
		map[string]string{"total_due": "0.00"},
	)
	require.NotContains(t, out, "<tr>")
	require.NotContains(t, out, "row_item")
	require.Contains(t, out, "<tbody>")
}

func TestFillHTMLPageTokensBecomeSpans(t *testing.T) {
	tpl := `<footer>{page_number} of {page_count}</footer>`
	out := FillHTML(tpl, nil, nil, nil)
	require.Contains(t, out, `<span class="nr-page-number"></span>`)
	require.Contains(t, out, `<span class="nr-page-count"></span>`)
	require.Empty(t, UnfilledTokens(out))
}

func TestCountRepeatRegions(t *testing.T) {
	require.Equal(t, 1, CountRepeatRegions(rowTemplate))
	require.Equal(t, 0, CountRepeatRegions(`<p>{a}</p>`))
}

func TestNormalizeEmailTargets(t *testing.T) {
	in := []string{"  A@Example.com ", "b@example.com", "a@example.com", "", "not-an-address"}
	got := NormalizeEmailTargets(in)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, got)

	// Idempotent.
	require.Equal(t, got, NormalizeEmailTargets(got))
}
