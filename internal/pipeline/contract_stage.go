package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/catalog"
	"github.com/neuraworks/neurareport/internal/contract"
	"github.com/neuraworks/neurareport/internal/llm"
	"github.com/neuraworks/neurareport/internal/lock"
	"github.com/neuraworks/neurareport/internal/render"
	"github.com/neuraworks/neurareport/internal/state"
)

const (
	fileOverview = "overview.md"
	fileStep5    = "step5_requirements.json"
	fileContract = "contract.json"
)

type contractCallResponse struct {
	OverviewMD        string          `json:"overview_md"`
	Step5Requirements step5Params     `json:"step5_requirements"`
	Contract          json.RawMessage `json:"contract"`
	Validation        struct {
		UnknownTokens  []string `json:"unknown_tokens"`
		UnknownColumns []string `json:"unknown_columns"`
	} `json:"validation"`
}

type step5Params struct {
	Parameters struct {
		Required []string `json:"required"`
		Optional []string `json:"optional,omitempty"`
	} `json:"parameters"`
}

type ContractResult struct {
	Cached   bool               `json:"cached"`
	Contract *contract.Contract `json:"contract"`
	Required []string           `json:"required_params"`
}

// BuildContract runs the contract stage: the model turns the corrected
// template, its mapping, and the catalog into a full data contract, which
// must then survive the structural validator before anything is persisted.
func (p *Pipeline) BuildContract(ctx context.Context, templateID string, kind artifact.TemplateKind, connectionID, dbPath, correlationID string) (*ContractResult, error) {
	dir, err := p.Artifacts.Dir(kind, templateID)
	if err != nil {
		return nil, err
	}

	htmlBytes, htmlSHA, err := requireStageFile(dir, fileTemplateHTML)
	if err != nil {
		return nil, err
	}
	mappingBytes, mappingSHA, err := requireStageFile(dir, fileMappingStep3)
	if err != nil {
		return nil, err
	}
	var schema ExtractionSchema
	if err := artifact.ReadJSON(filepath.Join(dir, fileSchemaExt), &schema); err != nil {
		return nil, err
	}

	cat, err := p.Catalogs.Get(ctx, connectionID, "default", dbPath)
	if err != nil {
		return nil, err
	}

	key := artifact.SHA256Hex([]byte(strings.Join([]string{
		htmlSHA,
		mappingSHA,
		cat.SHA(),
		p.Settings.OpenAIModel,
		PromptVersion,
	}, "|")))

	if cs := loadCacheState(dir, "contract"); cs.fresh(dir, key) {
		raw, _, err := readFileSHA(filepath.Join(dir, fileContract))
		if err == nil {
			if c, err := contract.Load(raw, cat.Lines); err == nil {
				var step5 step5Params
				_ = artifact.ReadJSON(filepath.Join(dir, fileStep5), &step5)
				return &ContractResult{Cached: true, Contract: c, Required: step5.Parameters.Required}, nil
			}
		}
	}

	lease, err := lock.Acquire(dir, "contract", correlationID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	log := p.log.WithFields(logrus.Fields{"template_id": templateID, "correlation_id": correlationID, "stage": "contract"})

	user := fmt.Sprintf("Catalog (one table.column per line):\n%s\n\nExtraction schema:\n%s\n\nCurrent mapping:\n%s\n\nTemplate HTML:\n%s",
		strings.Join(cat.Lines, "\n"), mustJSON(&schema), string(mappingBytes), string(htmlBytes))

	var accepted contractCallResponse
	var acceptedContract *contract.Contract
	_, err = p.LLM.CompleteChecked(ctx, llm.Request{
		Model:      p.Settings.OpenAIModel,
		System:     contractSystemPrompt,
		User:       user,
		JSONObject: true,
	}, correlationID, ContractMaxAttempts, func(text string) error {
		var candidate contractCallResponse
		if err := decodeValidated("contract", contractCallSchemaJSON, text, &candidate); err != nil {
			return err
		}
		c, err := validateContractCall(&candidate, string(htmlBytes), cat)
		if err != nil {
			return err
		}
		accepted = candidate
		acceptedContract = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contract rejected after %d attempts: %w", ContractMaxAttempts, err)
	}

	if err := artifact.WriteTextAtomic(filepath.Join(dir, fileOverview), accepted.OverviewMD); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileStep5), &accepted.Step5Requirements); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileContract), acceptedContract); err != nil {
		return nil, err
	}
	keys := mappingKeyList(acceptedContract)
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileMappingKeys), keys); err != nil {
		return nil, err
	}

	files := map[string]string{
		"overview": fileOverview,
		"step5":    fileStep5,
		"contract": fileContract,
		"keys":     fileMappingKeys,
	}
	if _, err := artifact.WriteManifest(dir, "contract", []string{fileTemplateHTML, fileMappingStep3}, correlationID, files); err != nil {
		return nil, err
	}
	if err := writeCacheState(dir, "contract", key, []string{fileOverview, fileStep5, fileContract, fileMappingKeys}); err != nil {
		return nil, err
	}

	if _, err := p.State.PatchTemplate(templateID, func(t *state.Template) {
		t.MappingKeys = keys
		t.LastConnectionID = connectionID
	}); err != nil {
		return nil, err
	}

	log.WithField("required_params", accepted.Step5Requirements.Parameters.Required).Info("contract accepted")
	return &ContractResult{Contract: acceptedContract, Required: accepted.Step5Requirements.Parameters.Required}, nil
}

// validateContractCall enforces the stage acceptance rules: both validation
// arrays empty, the contract passes the structural validator, its tokens
// match the template, and every key parameter is both required and mapped.
func validateContractCall(resp *contractCallResponse, templateHTML string, cat *catalog.Catalog) (*contract.Contract, error) {
	if len(resp.Validation.UnknownTokens) > 0 {
		return nil, fmt.Errorf("validation.unknown_tokens must be empty, got %v", resp.Validation.UnknownTokens)
	}
	if len(resp.Validation.UnknownColumns) > 0 {
		return nil, fmt.Errorf("validation.unknown_columns must be empty, got %v", resp.Validation.UnknownColumns)
	}

	c, err := contract.Load(resp.Contract, cat.Lines)
	if err != nil {
		return nil, err
	}

	htmlTokens := map[string]bool{}
	for _, t := range render.ExtractTokens(templateHTML) {
		htmlTokens[t] = true
	}
	for _, tok := range c.Tokens.All() {
		if !htmlTokens[tok] {
			return nil, fmt.Errorf("contract token %q does not appear in the template", tok)
		}
	}

	required := map[string]bool{}
	for _, r := range resp.Step5Requirements.Parameters.Required {
		required[r] = true
	}
	for tok, binding := range c.Mapping {
		b := strings.TrimSpace(binding)
		if !strings.HasPrefix(b, contract.ParamPrefix) {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(b, contract.ParamPrefix))
		if !required[name] {
			// Optional parameters are allowed; key tokens are not.
			if isKeyParam(tok) {
				return nil, fmt.Errorf("key token %q binds PARAM:%s which is missing from step5_requirements.parameters.required", tok, name)
			}
		}
	}
	return c, nil
}

// isKeyParam reports whether the token identifies the report entity (join
// keys and date-window selectors).
func isKeyParam(tok string) bool {
	if render.ReportFilterToken(tok) {
		return true
	}
	lower := strings.ToLower(tok)
	return strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "_no") || strings.HasSuffix(lower, "_number")
}

// mappingKeyList is the sorted PARAM names the contract requires, recorded on
// the template row for the report form.
func mappingKeyList(c *contract.Contract) []string {
	seen := map[string]bool{}
	var keys []string
	for _, binding := range c.Mapping {
		b := strings.TrimSpace(binding)
		if !strings.HasPrefix(b, contract.ParamPrefix) {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(b, contract.ParamPrefix))
		if name != "" && !seen[name] {
			seen[name] = true
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
