package contract

// Contract bridges template tokens and SQL. It is produced by the contract
// stage, persisted as contract.json, and re-validated at every load
// boundary.
type Contract struct {
	Tokens      Tokens            `json:"tokens"`
	Mapping     map[string]string `json:"mapping"`
	Join        Join              `json:"join"`
	DateColumns map[string]string `json:"date_columns,omitempty"`
	Filters     Filters           `json:"filters"`
	Reshape     []ReshapeRule     `json:"reshape_rules,omitempty"`
	RowComputed map[string]string `json:"row_computed,omitempty"`
	TotalsMath  map[string]string `json:"totals_math,omitempty"`
	Formatters  map[string]string `json:"formatters,omitempty"`
	OrderBy     OrderBy           `json:"order_by"`
	RowOrder    []string          `json:"row_order"`
	Unresolved  []string          `json:"unresolved,omitempty"`
}

type Tokens struct {
	Scalars   []string `json:"scalars"`
	RowTokens []string `json:"row_tokens"`
	Totals    []string `json:"totals"`
}

// All returns the union of scalar, row, and totals tokens.
func (t Tokens) All() []string {
	out := make([]string, 0, len(t.Scalars)+len(t.RowTokens)+len(t.Totals))
	out = append(out, t.Scalars...)
	out = append(out, t.RowTokens...)
	out = append(out, t.Totals...)
	return out
}

type Join struct {
	ParentTable string `json:"parent_table"`
	ParentKey   string `json:"parent_key"`
	ChildTable  string `json:"child_table"`
	ChildKey    string `json:"child_key"`
}

type Filters struct {
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// ReshapeRule describes a structural transformation the generator SQL must
// implement (e.g. UNION_ALL over a column enumeration). Purpose is free
// prose and must be non-empty.
type ReshapeRule struct {
	Purpose string   `json:"purpose"`
	Mode    string   `json:"mode,omitempty"` // e.g. UNION_ALL
	Sources []string `json:"sources,omitempty"`
	Target  string   `json:"target,omitempty"`
}

type OrderBy struct {
	Rows []string `json:"rows"`
}

// ApplyDefaults fills the defaults acceptance requires: row ordering falls
// back to ROWID on both order_by.rows and row_order.
func (c *Contract) ApplyDefaults() {
	if len(c.OrderBy.Rows) == 0 {
		c.OrderBy.Rows = []string{"ROWID"}
	}
	if len(c.RowOrder) == 0 {
		c.RowOrder = []string{"ROWID"}
	}
	if c.Mapping == nil {
		c.Mapping = map[string]string{}
	}
}
