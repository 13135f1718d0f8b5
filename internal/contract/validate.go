package contract

import (
	"fmt"
	"regexp"
	"strings"
)

// Diagnostic is one validation finding. Severity ERROR blocks acceptance.
type Diagnostic struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Token    string `json:"token,omitempty"`
}

const (
	SeverityError   = "ERROR"
	SeverityWarning = "WARNING"
)

// ValidationError carries the blocking diagnostics from a contract check.
// Surfaces upstream with code invalid_contract.
type ValidationError struct {
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			msgs = append(msgs, d.Rule+": "+d.Message)
		}
	}
	return "invalid_contract: " + strings.Join(msgs, "; ")
}

const (
	ParamPrefix = "PARAM:"
)

var datasets = map[string]bool{"header": true, "rows": true, "totals": true}

var qualifiedIdent = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)

// sqlKeywords are identifiers an expression binding may reference without
// qualifying a catalog column.
var sqlKeywords = map[string]bool{
	"select": true, "case": true, "when": true, "then": true, "else": true,
	"end": true, "as": true, "and": true, "or": true, "not": true, "null": true,
	"nullif": true, "coalesce": true, "sum": true, "count": true, "avg": true,
	"min": true, "max": true, "round": true, "abs": true, "cast": true,
	"distinct": true, "like": true, "between": true, "in": true, "is": true,
	"strftime": true, "date": true, "substr": true, "upper": true, "lower": true,
	"trim": true, "printf": true, "over": true, "partition": true, "by": true,
	"order": true, "row_number": true, "rank": true, "lag": true, "lead": true,
	"group_concat": true, "ifnull": true, "total": true, "julianday": true,
}

// Validate runs the stand-alone structural check from the data-model
// invariants: token coverage, binding allow-list, join completeness, reshape
// purposes, ordering defaults, and empty unresolved at acceptance.
// catalogLines is the introspected allow-list (qualified table.column).
func Validate(c *Contract, catalogLines []string) []Diagnostic {
	var diags []Diagnostic
	if c == nil {
		return []Diagnostic{{Rule: "contract_nil", Severity: SeverityError, Message: "contract is nil"}}
	}

	allow := map[string]bool{}
	for _, l := range catalogLines {
		allow[strings.ToLower(strings.TrimSpace(l))] = true
	}

	// Token coverage: every declared token must have a mapping entry.
	for _, tok := range c.Tokens.All() {
		if _, ok := c.Mapping[tok]; !ok {
			diags = append(diags, Diagnostic{
				Rule: "token_unmapped", Severity: SeverityError, Token: tok,
				Message: fmt.Sprintf("token %q has no mapping entry", tok),
			})
		}
	}

	for tok, binding := range c.Mapping {
		if d := checkBinding(tok, binding, allow); d != nil {
			diags = append(diags, *d)
		}
	}

	if c.Join.ParentTable == "" || c.Join.ParentKey == "" || c.Join.ChildTable == "" || c.Join.ChildKey == "" {
		diags = append(diags, Diagnostic{
			Rule: "join_incomplete", Severity: SeverityError,
			Message: "join parent_table/parent_key/child_table/child_key must all be non-empty",
		})
	}

	for i, r := range c.Reshape {
		if strings.TrimSpace(r.Purpose) == "" {
			diags = append(diags, Diagnostic{
				Rule: "reshape_purpose_empty", Severity: SeverityError,
				Message: fmt.Sprintf("reshape_rules[%d] has an empty purpose", i),
			})
		}
	}

	if len(c.OrderBy.Rows) == 0 {
		diags = append(diags, Diagnostic{
			Rule: "order_by_empty", Severity: SeverityError,
			Message: "order_by.rows must be non-empty (default [\"ROWID\"])",
		})
	}
	if len(c.RowOrder) == 0 {
		diags = append(diags, Diagnostic{
			Rule: "row_order_empty", Severity: SeverityError,
			Message: "row_order must be non-empty (default [\"ROWID\"])",
		})
	}

	if len(c.Unresolved) > 0 {
		diags = append(diags, Diagnostic{
			Rule: "unresolved_tokens", Severity: SeverityError,
			Message: fmt.Sprintf("unresolved must be empty at acceptance, found %v", c.Unresolved),
		})
	}

	return diags
}

// checkBinding enforces the binding allow-list: a binding is exactly one of
// a catalog column, PARAM:<name>, DATASET.COLUMN, or a SQL expression whose
// qualified identifiers are all cataloged.
func checkBinding(tok, binding string, allow map[string]bool) *Diagnostic {
	b := strings.TrimSpace(binding)
	if b == "" {
		return &Diagnostic{
			Rule: "binding_empty", Severity: SeverityError, Token: tok,
			Message: fmt.Sprintf("token %q has an empty binding", tok),
		}
	}

	if strings.HasPrefix(b, ParamPrefix) {
		name := strings.TrimSpace(strings.TrimPrefix(b, ParamPrefix))
		if name == "" {
			return &Diagnostic{
				Rule: "param_name_empty", Severity: SeverityError, Token: tok,
				Message: fmt.Sprintf("token %q uses PARAM: with no name", tok),
			}
		}
		return nil
	}

	// Simple qualified reference: catalog column or dataset column.
	if m := qualifiedIdent.FindStringSubmatch(b); m != nil && m[0] == b {
		if datasets[strings.ToLower(m[1])] {
			return nil
		}
		if allow[strings.ToLower(b)] {
			return nil
		}
		return &Diagnostic{
			Rule: "binding_not_in_catalog", Severity: SeverityError, Token: tok,
			Message: fmt.Sprintf("token %q binds %q which is not in the catalog", tok, b),
		}
	}

	// SQL expression: every qualified identifier must be cataloged (dataset
	// references are allowed inside expressions too).
	for _, m := range qualifiedIdent.FindAllStringSubmatch(b, -1) {
		ident := m[0]
		if datasets[strings.ToLower(m[1])] {
			continue
		}
		if sqlKeywords[strings.ToLower(m[1])] {
			continue
		}
		if !allow[strings.ToLower(ident)] {
			return &Diagnostic{
				Rule: "expression_unknown_column", Severity: SeverityError, Token: tok,
				Message: fmt.Sprintf("token %q expression references %q which is not in the catalog", tok, ident),
			}
		}
	}
	return nil
}

// CheckBinding applies the binding allow-list to a single binding outside a
// full contract check. Returns "" when the binding is legal.
func CheckBinding(tok, binding string, catalogLines []string) string {
	allow := map[string]bool{}
	for _, l := range catalogLines {
		allow[strings.ToLower(strings.TrimSpace(l))] = true
	}
	if d := checkBinding(tok, binding, allow); d != nil {
		return d.Message
	}
	return ""
}

// Errors filters the blocking diagnostics; nil means the contract passed.
func Errors(diags []Diagnostic) error {
	var blocking []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			blocking = append(blocking, d)
		}
	}
	if len(blocking) == 0 {
		return nil
	}
	return &ValidationError{Diagnostics: blocking}
}
