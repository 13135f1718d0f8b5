package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/contract"
	"github.com/neuraworks/neurareport/internal/llm"
	"github.com/neuraworks/neurareport/internal/lock"
	"github.com/neuraworks/neurareport/internal/sqlexec"
	"github.com/neuraworks/neurareport/internal/state"
)

const (
	generatorSubdir   = "generator"
	fileGeneratorJSON = "generator/generator_assets.json"
	fileOutputSchemas = "generator/output_schemas.json"
	fileSQLPack       = "generator/sql_pack.sql"
)

type GeneratorResult struct {
	Cached bool                     `json:"cached"`
	Assets *sqlexec.GeneratorAssets `json:"assets"`
}

// GenerateAssets runs the final stage: the accepted contract becomes the SQL
// pack the report runner executes. Acceptance requires executable assets
// (invalid=false, no needs_user_fix) whose parameters and output schemas
// agree with the contract; on success the template is approved.
func (p *Pipeline) GenerateAssets(ctx context.Context, templateID string, kind artifact.TemplateKind, connectionID, dbPath, correlationID string) (*GeneratorResult, error) {
	dir, err := p.Artifacts.Dir(kind, templateID)
	if err != nil {
		return nil, err
	}

	contractRaw, contractSHA, err := requireStageFile(dir, fileContract)
	if err != nil {
		return nil, err
	}
	var step5 step5Params
	if err := artifact.ReadJSON(filepath.Join(dir, fileStep5), &step5); err != nil {
		return nil, err
	}

	cat, err := p.Catalogs.Get(ctx, connectionID, "default", dbPath)
	if err != nil {
		return nil, err
	}
	c, err := contract.Load(contractRaw, cat.Lines)
	if err != nil {
		return nil, err
	}

	key := artifact.SHA256Hex([]byte(strings.Join([]string{
		contractSHA,
		cat.SHA(),
		p.Settings.OpenAIModel,
		PromptVersion,
	}, "|")))

	if cs := loadCacheState(dir, "generator"); cs.fresh(dir, key) {
		raw, _, err := readFileSHA(filepath.Join(dir, fileGeneratorJSON))
		if err == nil {
			if assets, err := sqlexec.ParseAssets(raw); err == nil {
				return &GeneratorResult{Cached: true, Assets: assets}, nil
			}
		}
	}

	lease, err := lock.Acquire(dir, "generator", correlationID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	log := p.log.WithFields(logrus.Fields{"template_id": templateID, "correlation_id": correlationID, "stage": "generator"})

	if err := os.MkdirAll(filepath.Join(dir, generatorSubdir), 0o755); err != nil {
		return nil, err
	}

	user := fmt.Sprintf("Catalog (one table.column per line):\n%s\n\nRequired parameters: %s\nOptional parameters: %s\n\nContract:\n%s",
		strings.Join(cat.Lines, "\n"),
		strings.Join(step5.Parameters.Required, ", "),
		strings.Join(step5.Parameters.Optional, ", "),
		string(contractRaw))

	var accepted sqlexec.GeneratorAssets
	_, err = p.LLM.CompleteChecked(ctx, llm.Request{
		Model:      p.Settings.OpenAIModel,
		System:     generatorSystemPrompt,
		User:       user,
		JSONObject: true,
	}, correlationID, GeneratorMaxAttempts, func(text string) error {
		var candidate sqlexec.GeneratorAssets
		if err := decodeValidated("generator", generatorSchemaJSON, text, &candidate); err != nil {
			return err
		}
		if err := validateGeneratorAssets(&candidate, c, step5); err != nil {
			return err
		}
		accepted = candidate
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generator rejected after %d attempts: %w", GeneratorMaxAttempts, err)
	}
	if accepted.Contract == nil {
		accepted.Contract = c
	}
	if accepted.Dialect == "" {
		accepted.Dialect = "sqlite"
	}

	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileGeneratorJSON), &accepted); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileOutputSchemas), &accepted.OutputSchemas); err != nil {
		return nil, err
	}
	pack := fmt.Sprintf("-- dialect: %s\n\n-- header\n%s;\n\n-- rows\n%s;\n\n-- totals\n%s;\n",
		accepted.Dialect,
		strings.TrimRight(strings.TrimSpace(accepted.SQL.Header), ";"),
		strings.TrimRight(strings.TrimSpace(accepted.SQL.Rows), ";"),
		strings.TrimRight(strings.TrimSpace(accepted.SQL.Totals), ";"))
	if err := artifact.WriteTextAtomic(filepath.Join(dir, fileSQLPack), pack); err != nil {
		return nil, err
	}

	files := map[string]string{
		"assets":  fileGeneratorJSON,
		"schemas": fileOutputSchemas,
		"pack":    fileSQLPack,
	}
	if _, err := artifact.WriteManifest(dir, "generator", []string{fileContract}, correlationID, files); err != nil {
		return nil, err
	}
	if err := writeCacheState(dir, "generator", key, []string{fileGeneratorJSON, fileOutputSchemas, fileSQLPack}); err != nil {
		return nil, err
	}

	if _, err := p.State.PatchTemplate(templateID, func(t *state.Template) {
		t.Status = state.TemplateApproved
		t.Generator = &state.GeneratorMeta{
			Dialect: accepted.Dialect,
			Params:  append(append([]string{}, accepted.Params.Required...), accepted.Params.Optional...),
		}
	}); err != nil {
		return nil, err
	}

	log.Info("generator assets accepted; template approved")
	return &GeneratorResult{Assets: &accepted}, nil
}

// validateGeneratorAssets rejects assets the runner could not execute or
// that drift from the contract.
func validateGeneratorAssets(a *sqlexec.GeneratorAssets, c *contract.Contract, step5 step5Params) error {
	if a.Invalid {
		return fmt.Errorf("assets marked invalid; regenerate valid SQL or explain via needs_user_fix on a prior attempt")
	}
	if len(a.NeedsUserFix) > 0 {
		return fmt.Errorf("needs_user_fix must be empty at acceptance, got %v", a.NeedsUserFix)
	}
	for name, q := range map[string]string{"header": a.SQL.Header, "rows": a.SQL.Rows, "totals": a.SQL.Totals} {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("sql.%s is empty", name)
		}
	}
	if !strings.Contains(strings.ToUpper(a.SQL.Rows), "ORDER BY") {
		return fmt.Errorf("sql.rows must ORDER BY the contract's stable ordering (%v)", c.OrderBy.Rows)
	}
	for _, req := range step5.Parameters.Required {
		if !containsString(a.Params.Required, req) {
			return fmt.Errorf("params.required is missing %q from the contract requirements", req)
		}
	}
	if len(a.OutputSchemas.Rows) == 0 {
		return fmt.Errorf("output_schemas.rows is empty")
	}
	// The executor projects by position first; a schema out of contract order
	// would bind values to the wrong tokens.
	for name, pair := range map[string][2][]string{
		"header": {a.OutputSchemas.Header, c.Tokens.Scalars},
		"rows":   {a.OutputSchemas.Rows, c.Tokens.RowTokens},
		"totals": {a.OutputSchemas.Totals, c.Tokens.Totals},
	} {
		if !orderedSubset(pair[0], pair[1]) {
			return fmt.Errorf("output_schemas.%s %v must list contract tokens in contract order %v", name, pair[0], pair[1])
		}
	}
	for _, rule := range c.Reshape {
		if !strings.EqualFold(rule.Mode, "UNION_ALL") {
			continue
		}
		rows := strings.ToUpper(a.SQL.Rows)
		if !strings.Contains(rows, "UNION ALL") {
			return fmt.Errorf("contract reshape rule %q requires UNION ALL in sql.rows", rule.Purpose)
		}
		if caseExprPattern.MatchString(rows) {
			return fmt.Errorf("contract reshape rule %q requires one SELECT per source column, not a CASE expression", rule.Purpose)
		}
		if n := len(rule.Sources); n > 0 && strings.Count(rows, "SELECT") < n {
			return fmt.Errorf("contract reshape rule %q requires one SELECT per source column, got %d of %d", rule.Purpose, strings.Count(rows, "SELECT"), n)
		}
	}
	return nil
}

var caseExprPattern = regexp.MustCompile(`\bCASE\b`)

// orderedSubset reports whether schema lists only contract tokens, in
// contract order.
func orderedSubset(schema, tokens []string) bool {
	i := 0
	for _, col := range schema {
		for i < len(tokens) && tokens[i] != col {
			i++
		}
		if i == len(tokens) {
			return false
		}
		i++
	}
	return true
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
