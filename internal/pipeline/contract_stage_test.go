package pipeline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neuraworks/neurareport/internal/contract"
)

const contractTemplateHTML = `<html><body>
<p>{customer_name}</p><p>{invoice_no}</p>
<table><tbody><tr><td>{row_item}</td></tr></tbody></table>
<p>{total_amount}</p>
</body></html>`

func contractJSON(extraMapping map[string]string) json.RawMessage {
	doc := map[string]any{
		"tokens": map[string][]string{
			"scalars":    {"customer_name", "invoice_no"},
			"row_tokens": {"row_item"},
			"totals":     {"total_amount"},
		},
		"mapping": map[string]string{
			"customer_name": "reports.customer_name",
			"invoice_no":    "PARAM:invoice_no",
			"row_item":      "items.item",
			"total_amount":  "SUM(items.amount)",
		},
		"join": map[string]string{
			"parent_table": "reports",
			"parent_key":   "id",
			"child_table":  "items",
			"child_key":    "report_id",
		},
	}
	for k, v := range extraMapping {
		doc["mapping"].(map[string]string)[k] = v
	}
	b, _ := json.Marshal(doc)
	return b
}

func contractResp(required []string, c json.RawMessage) *contractCallResponse {
	resp := &contractCallResponse{
		OverviewMD: "# Report\nOne row per line item.",
		Contract:   c,
	}
	resp.Step5Requirements.Parameters.Required = required
	return resp
}

func TestValidateContractCallAccepts(t *testing.T) {
	resp := contractResp([]string{"invoice_no"}, contractJSON(nil))
	c, err := validateContractCall(resp, contractTemplateHTML, testCat())
	require.NoError(t, err)
	require.Equal(t, "reports", c.Join.ParentTable)
	require.Equal(t, []string{"ROWID"}, c.OrderBy.Rows)
}

func TestValidateContractCallValidationArraysMustBeEmpty(t *testing.T) {
	resp := contractResp([]string{"invoice_no"}, contractJSON(nil))
	resp.Validation.UnknownTokens = []string{"mystery"}
	_, err := validateContractCall(resp, contractTemplateHTML, testCat())
	require.ErrorContains(t, err, "unknown_tokens")

	resp = contractResp([]string{"invoice_no"}, contractJSON(nil))
	resp.Validation.UnknownColumns = []string{"ghosts.value"}
	_, err = validateContractCall(resp, contractTemplateHTML, testCat())
	require.ErrorContains(t, err, "unknown_columns")
}

func TestValidateContractCallTokenMustExistInTemplate(t *testing.T) {
	resp := contractResp([]string{"invoice_no"}, contractJSON(nil))
	_, err := validateContractCall(resp, `<p>{customer_name}</p>`, testCat())
	require.ErrorContains(t, err, "does not appear in the template")
}

func TestValidateContractCallKeyParamMustBeRequired(t *testing.T) {
	// invoice_no binds PARAM:invoice_no but required is empty.
	resp := contractResp(nil, contractJSON(nil))
	_, err := validateContractCall(resp, contractTemplateHTML, testCat())
	require.ErrorContains(t, err, "missing from step5_requirements")
}

func TestValidateContractCallOptionalParamAllowed(t *testing.T) {
	// A non-key PARAM binding may stay optional.
	html := contractTemplateHTML + `<p>{remarks}</p>`
	raw := contractJSON(map[string]string{"remarks": "PARAM:remarks"})
	// remarks must be in tokens too.
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	tokens := doc["tokens"].(map[string]any)
	tokens["scalars"] = append(tokens["scalars"].([]any), "remarks")
	b, err := json.Marshal(doc)
	require.NoError(t, err)

	resp := contractResp([]string{"invoice_no"}, b)
	_, err = validateContractCall(resp, html, testCat())
	require.NoError(t, err)
}

func TestIsKeyParam(t *testing.T) {
	require.True(t, isKeyParam("report_id"))
	require.True(t, isKeyParam("invoice_no"))
	require.True(t, isKeyParam("account_number"))
	require.True(t, isKeyParam("from_date"))
	require.False(t, isKeyParam("remarks"))
	require.False(t, isKeyParam("customer_name"))
}

func TestMappingKeyList(t *testing.T) {
	c := &contract.Contract{
		Mapping: map[string]string{
			"a": "PARAM:zulu",
			"b": "PARAM:alpha",
			"c": "PARAM:alpha",
			"d": "reports.customer_name",
			"e": fmt.Sprintf("%s ", contract.ParamPrefix),
		},
	}
	require.Equal(t, []string{"alpha", "zulu"}, mappingKeyList(c))
}
