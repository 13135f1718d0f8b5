package sqlexec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neuraworks/neurareport/internal/contract"
)

// GeneratorAssets is the stage-5 output: three SQL entrypoints, their output
// schemas (column order authoritative for projection), and the parameter
// contract, plus an echo of the accepted contract.
type GeneratorAssets struct {
	Dialect string `json:"dialect"`
	SQL     struct {
		Header string `json:"header"`
		Rows   string `json:"rows"`
		Totals string `json:"totals"`
	} `json:"sql"`
	OutputSchemas struct {
		Header []string `json:"header"`
		Rows   []string `json:"rows"`
		Totals []string `json:"totals"`
	} `json:"output_schemas"`
	Params struct {
		Required []string `json:"required"`
		Optional []string `json:"optional"`
	} `json:"params"`
	NeedsUserFix []string           `json:"needs_user_fix,omitempty"`
	Invalid      bool               `json:"invalid"`
	Contract     *contract.Contract `json:"contract,omitempty"`
}

// ParseAssets decodes generator_assets.json and rejects assets that are not
// acceptable for execution: missing entrypoints, invalid=true, or
// outstanding needs_user_fix entries.
func ParseAssets(raw []byte) (*GeneratorAssets, error) {
	var a GeneratorAssets
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("generator assets: parse: %w", err)
	}
	if a.Invalid {
		return nil, fmt.Errorf("generator assets are marked invalid")
	}
	if len(a.NeedsUserFix) > 0 {
		return nil, fmt.Errorf("generator assets have unresolved needs_user_fix entries: %v", a.NeedsUserFix)
	}
	for name, q := range map[string]string{
		"header": a.SQL.Header,
		"rows":   a.SQL.Rows,
		"totals": a.SQL.Totals,
	} {
		if strings.TrimSpace(q) == "" {
			return nil, fmt.Errorf("generator assets: %s SQL is empty", name)
		}
	}
	return &a, nil
}
