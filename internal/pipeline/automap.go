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
	fileMappingStep3 = "mapping_step3.json"
	filePDFLabels    = "mapping_pdf_labels.json"
	fileConstants    = "constant_replacements.json"
	fileMappingKeys  = "mapping_keys.json"
)

// Sentinel mapping values the auto-map allow-list accepts alongside catalog
// columns, PARAM: bindings, and SQL expressions.
const (
	ValueUnresolved     = "UNRESOLVED"
	ValueInputSample    = "INPUT_SAMPLE"
	ValueReportSelected = "REPORT_SELECTED"
)

const (
	SampleNotVisible = "NOT_VISIBLE"
	SampleUnreadable = "UNREADABLE"
)

// MappingInlineValidationError rejects an auto-map response. The message is
// echoed to the model as validator feedback on the next attempt; when the
// budget is exhausted it surfaces as mapping_llm_invalid.
type MappingInlineValidationError struct {
	Message string
}

func (e *MappingInlineValidationError) Error() string {
	return "mapping_llm_invalid: " + e.Message
}

type autoMapResponse struct {
	Mapping      map[string]string `json:"mapping"`
	TokenSamples map[string]string `json:"token_samples"`
	Meta         map[string]any    `json:"meta,omitempty"`
}

type AutoMapResult struct {
	Cached       bool              `json:"cached"`
	Mapping      map[string]string `json:"mapping"`
	Constants    map[string]string `json:"constant_replacements"`
	TokenSamples map[string]string `json:"token_samples"`
}

// AutoMap proposes token-to-column bindings for a verified template and
// inlines constant labels into the HTML. Identical inputs short-circuit to
// the cached outputs with Cached=true.
func (p *Pipeline) AutoMap(ctx context.Context, templateID string, kind artifact.TemplateKind, connectionID, dbPath, correlationID string) (*AutoMapResult, error) {
	dir, err := p.Artifacts.Dir(kind, templateID)
	if err != nil {
		return nil, err
	}

	htmlBytes, htmlSHA, err := requireStageFile(dir, fileTemplateHTML)
	if err != nil {
		return nil, err
	}
	_, pdfSHA, err := requireStageFile(dir, fileSourcePDF)
	if err != nil {
		return nil, err
	}
	schemaBytes, _, err := requireStageFile(dir, fileSchemaExt)
	if err != nil {
		return nil, err
	}

	cat, err := p.Catalogs.Get(ctx, connectionID, "default", dbPath)
	if err != nil {
		return nil, err
	}

	// Cache key inputs are normative: pdf_sha, db_signature, html_sha,
	// prompt_version, catalog_sha, schema_sha.
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileSchemaExt, err)
	}
	key := artifact.SHA256Hex([]byte(strings.Join([]string{
		pdfSHA,
		cat.Signature,
		htmlSHA,
		PromptVersion,
		cat.SHA(),
		CanonicalJSONSHA(schemaDoc),
	}, "|")))

	if cs := loadCacheState(dir, "automap"); cs.fresh(dir, key) {
		res, err := loadAutoMapOutputs(dir)
		if err == nil {
			res.Cached = true
			return res, nil
		}
	}

	lease, err := lock.Acquire(dir, "auto_map", correlationID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	log := p.log.WithFields(logrus.Fields{"template_id": templateID, "correlation_id": correlationID, "stage": "auto_map"})

	htmlTokens := render.ExtractTokens(string(htmlBytes))
	user := fmt.Sprintf("Catalog (one table.column per line):\n%s\n\nTemplate tokens: %s\n\nTemplate HTML:\n%s",
		strings.Join(cat.Lines, "\n"), strings.Join(htmlTokens, ", "), string(htmlBytes))

	var accepted autoMapResponse
	_, err = p.LLM.CompleteChecked(ctx, llm.Request{
		Model:      p.Settings.OpenAIModel,
		System:     autoMapSystemPrompt,
		User:       user,
		JSONObject: true,
	}, correlationID, MappingInlineMaxAttempts, func(text string) error {
		var candidate autoMapResponse
		if err := decodeValidated("automap", autoMapSchemaJSON, text, &candidate); err != nil {
			return err
		}
		if err := validateAutoMap(&candidate, htmlTokens, cat); err != nil {
			return err
		}
		accepted = candidate
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("auto-map rejected after %d attempts: %w", MappingInlineMaxAttempts, err)
	}

	coerceReportFilters(accepted.Mapping)

	constants, newHTML, err := inlineConstants(string(htmlBytes), accepted.Mapping, accepted.TokenSamples)
	if err != nil {
		return nil, err
	}
	if err := checkTokenShrinkage(string(htmlBytes), newHTML, constants); err != nil {
		return nil, err
	}

	if err := artifact.WriteTextAtomic(filepath.Join(dir, fileTemplateHTML), newHTML); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileMappingStep3), accepted.Mapping); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, filePDFLabels), accepted.TokenSamples); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileConstants), constants); err != nil {
		return nil, err
	}

	files := map[string]string{
		"template":  fileTemplateHTML,
		"mapping":   fileMappingStep3,
		"labels":    filePDFLabels,
		"constants": fileConstants,
	}
	if _, err := artifact.WriteManifest(dir, "auto_map", []string{fileTemplateHTML, fileSchemaExt}, correlationID, files); err != nil {
		return nil, err
	}
	if err := writeCacheState(dir, "automap", key, []string{fileTemplateHTML, fileMappingStep3, filePDFLabels, fileConstants}); err != nil {
		return nil, err
	}

	if _, err := p.State.PatchTemplate(templateID, func(t *state.Template) {
		t.Status = state.TemplateMappingPreviewed
		t.LastConnectionID = connectionID
	}); err != nil {
		return nil, err
	}

	log.WithField("constants", len(constants)).Info("auto-map accepted")
	return &AutoMapResult{Mapping: accepted.Mapping, Constants: constants, TokenSamples: accepted.TokenSamples}, nil
}

func loadAutoMapOutputs(dir string) (*AutoMapResult, error) {
	res := &AutoMapResult{}
	if err := artifact.ReadJSON(filepath.Join(dir, fileMappingStep3), &res.Mapping); err != nil {
		return nil, err
	}
	if err := artifact.ReadJSON(filepath.Join(dir, filePDFLabels), &res.TokenSamples); err != nil {
		return nil, err
	}
	if err := artifact.ReadJSON(filepath.Join(dir, fileConstants), &res.Constants); err != nil {
		return nil, err
	}
	return res, nil
}

// validateAutoMap enforces the allow-list and sample completeness before any
// mutation happens. A mapping key absent from the template (a token rename)
// is rejected outright.
func validateAutoMap(resp *autoMapResponse, htmlTokens []string, cat *catalog.Catalog) error {
	tokenSet := map[string]bool{}
	for _, t := range htmlTokens {
		tokenSet[t] = true
	}

	for token, value := range resp.Mapping {
		if !tokenSet[token] {
			return &MappingInlineValidationError{
				Message: fmt.Sprintf("mapping key %q does not match any template token; token renames are not allowed", token),
			}
		}
		if err := checkMappingValue(token, value, cat); err != nil {
			return err
		}
	}

	for _, token := range htmlTokens {
		sample, ok := resp.TokenSamples[token]
		if !ok {
			return &MappingInlineValidationError{
				Message: fmt.Sprintf("token_samples is missing template token %q (use %s or %s when unreadable)", token, SampleNotVisible, SampleUnreadable),
			}
		}
		if strings.TrimSpace(sample) == "" {
			return &MappingInlineValidationError{
				Message: fmt.Sprintf("token_samples[%q] is empty; provide the literal or %s", token, SampleNotVisible),
			}
		}
	}
	for token := range resp.TokenSamples {
		if !tokenSet[token] {
			return &MappingInlineValidationError{
				Message: fmt.Sprintf("token_samples contains %q which is not a template token", token),
			}
		}
	}

	// A row token left unmapped would later be inlined as a constant, which
	// is never legal for row data.
	for _, token := range htmlTokens {
		if render.IsRowToken(token) {
			if _, ok := resp.Mapping[token]; !ok {
				return &MappingInlineValidationError{
					Message: fmt.Sprintf("row token %q must be mapped; row tokens may never become constants", token),
				}
			}
		}
	}
	return nil
}

func checkMappingValue(token, value string, cat *catalog.Catalog) error {
	v := strings.TrimSpace(value)
	switch v {
	case ValueUnresolved, ValueInputSample, ValueReportSelected:
		return nil
	}
	// Report-filter tokens are rewritten to REPORT_SELECTED after acceptance;
	// whatever the model bound them to never reaches the allow-list.
	if render.ReportFilterToken(token) {
		return nil
	}
	if strings.HasPrefix(v, contract.ParamPrefix) {
		if strings.TrimSpace(strings.TrimPrefix(v, contract.ParamPrefix)) == "" {
			return &MappingInlineValidationError{Message: fmt.Sprintf("mapping for %q uses PARAM: with no name", token)}
		}
		return nil
	}
	if cat.Has(v) {
		return nil
	}
	// Treated as a SQL expression: the contract binding rule applies.
	if d := contract.CheckBinding(token, v, cat.Lines); d != "" {
		return &MappingInlineValidationError{Message: d}
	}
	return nil
}

// coerceReportFilters rewrites bindings for tokens with date-window or
// page-info cues to the REPORT_SELECTED literal, whatever the model chose.
func coerceReportFilters(mapping map[string]string) {
	for token := range mapping {
		if render.ReportFilterToken(token) {
			mapping[token] = ValueReportSelected
		}
	}
}

// inlineConstants substitutes the sample literal for every unmapped token,
// except row tokens (validated earlier) and date-like tokens, which stay
// placeholders.
func inlineConstants(html string, mapping, samples map[string]string) (map[string]string, string, error) {
	constants := map[string]string{}
	out := html
	for _, token := range render.ExtractTokens(html) {
		if _, mapped := mapping[token]; mapped {
			continue
		}
		if render.IsRowToken(token) || render.DateLike(token) {
			continue
		}
		sample := strings.TrimSpace(samples[token])
		if sample == "" || sample == SampleNotVisible || sample == SampleUnreadable {
			continue
		}
		constants[token] = sample
		out = render.ReplaceToken(out, token, sample)
	}
	return constants, out, nil
}

// checkTokenShrinkage verifies the post-stage invariants: the token set is
// non-increasing, nothing new appears, and the removed tokens are exactly
// the constants.
func checkTokenShrinkage(before, after string, constants map[string]string) error {
	beforeSet := map[string]bool{}
	for _, t := range render.ExtractTokens(before) {
		beforeSet[t] = true
	}
	afterSet := map[string]bool{}
	for _, t := range render.ExtractTokens(after) {
		if !beforeSet[t] {
			return &MappingInlineValidationError{Message: fmt.Sprintf("token %q appeared during constant inlining", t)}
		}
		afterSet[t] = true
	}
	var removed []string
	for t := range beforeSet {
		if !afterSet[t] {
			removed = append(removed, t)
		}
	}
	sort.Strings(removed)
	var expected []string
	for t := range constants {
		expected = append(expected, t)
	}
	sort.Strings(expected)
	if strings.Join(removed, ",") != strings.Join(expected, ",") {
		return &MappingInlineValidationError{
			Message: fmt.Sprintf("removed tokens %v do not equal the constant set %v", removed, expected),
		}
	}
	return nil
}
