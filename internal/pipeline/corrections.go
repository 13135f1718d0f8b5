package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/llm"
	"github.com/neuraworks/neurareport/internal/lock"
	"github.com/neuraworks/neurareport/internal/render"
	"github.com/neuraworks/neurareport/internal/state"
)

const (
	filePageSummary = "page_summary.txt"
	fileStage35     = "stage_3_5.json"
)

type correctionsResponse struct {
	FinalTemplateHTML string `json:"final_template_html"`
	PageSummary       string `json:"page_summary"`
}

type CorrectionsResult struct {
	Cached      bool   `json:"cached"`
	PageSummary string `json:"page_summary"`
}

// stage35Record is the persisted trace of one correction round.
type stage35Record struct {
	UserInputSHA string    `json:"user_input_sha"`
	TemplateSHA  string    `json:"template_sha"`
	PageSummary  string    `json:"page_summary"`
	Model        string    `json:"model"`
	AppliedAt    time.Time `json:"applied_at"`
}

// Corrections applies free-text user edits to the mapped template. The
// structural fingerprint of the document (repeat markers, tbody layout,
// data-regions) must survive the rewrite, sample literals may not leak in,
// and no new placeholders may appear.
func (p *Pipeline) Corrections(ctx context.Context, templateID string, kind artifact.TemplateKind, userInput, correlationID string) (*CorrectionsResult, error) {
	dir, err := p.Artifacts.Dir(kind, templateID)
	if err != nil {
		return nil, err
	}

	htmlBytes, htmlSHA, err := requireStageFile(dir, fileTemplateHTML)
	if err != nil {
		return nil, err
	}
	_, mappingSHA, err := requireStageFile(dir, fileMappingStep3)
	if err != nil {
		return nil, err
	}
	var samples map[string]string
	if err := artifact.ReadJSON(filepath.Join(dir, filePDFLabels), &samples); err != nil {
		return nil, err
	}

	userInput = strings.TrimSpace(userInput)
	userSHA := artifact.SHA256Hex([]byte(userInput))
	key := artifact.SHA256Hex([]byte(strings.Join([]string{
		htmlSHA,
		mappingSHA,
		userSHA,
		p.Settings.OpenAIModel,
		PromptVersion,
	}, "|")))

	if cs := loadCacheState(dir, "corrections"); cs.fresh(dir, key) {
		var rec stage35Record
		if err := artifact.ReadJSON(filepath.Join(dir, fileStage35), &rec); err == nil {
			return &CorrectionsResult{Cached: true, PageSummary: rec.PageSummary}, nil
		}
	}

	lease, err := lock.Acquire(dir, "corrections", correlationID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	log := p.log.WithFields(logrus.Fields{"template_id": templateID, "correlation_id": correlationID, "stage": "corrections"})

	before, err := profileDOM(string(htmlBytes))
	if err != nil {
		return nil, err
	}

	user := fmt.Sprintf("User corrections:\n%s\n\nCurrent template:\n%s", userInput, string(htmlBytes))
	var accepted correctionsResponse
	_, err = p.LLM.CompleteChecked(ctx, llm.Request{
		Model:      p.Settings.OpenAIModel,
		System:     correctionsSystemPrompt,
		User:       user,
		JSONObject: true,
	}, correlationID, CorrectionsMaxAttempts, func(text string) error {
		var candidate correctionsResponse
		if err := decodeValidated("corrections", correctionsSchemaJSON, text, &candidate); err != nil {
			return err
		}
		if err := validateCorrections(string(htmlBytes), &candidate, before, samples); err != nil {
			return err
		}
		accepted = candidate
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("corrections rejected after %d attempts: %w", CorrectionsMaxAttempts, err)
	}

	if err := artifact.WriteTextAtomic(filepath.Join(dir, fileTemplateHTML), accepted.FinalTemplateHTML); err != nil {
		return nil, err
	}
	outputs := []string{fileTemplateHTML, fileStage35}
	summary := strings.TrimSpace(accepted.PageSummary)
	if summary != "" {
		if err := artifact.WriteTextAtomic(filepath.Join(dir, filePageSummary), summary); err != nil {
			return nil, err
		}
		outputs = append(outputs, filePageSummary)
	}

	rec := stage35Record{
		UserInputSHA: userSHA,
		TemplateSHA:  artifact.SHA256Hex([]byte(accepted.FinalTemplateHTML)),
		PageSummary:  summary,
		Model:        p.Settings.OpenAIModel,
		AppliedAt:    time.Now().UTC(),
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileStage35), &rec); err != nil {
		return nil, err
	}

	files := map[string]string{"template": fileTemplateHTML, "round": fileStage35}
	if summary != "" {
		files["summary"] = filePageSummary
	}
	if _, err := artifact.WriteManifest(dir, "corrections", []string{fileMappingStep3}, correlationID, files); err != nil {
		return nil, err
	}
	if err := writeCacheState(dir, "corrections", key, outputs); err != nil {
		return nil, err
	}

	if _, err := p.State.PatchTemplate(templateID, func(t *state.Template) {
		t.Status = state.TemplateCorrectionsPreviewed
	}); err != nil {
		return nil, err
	}

	log.Info("corrections accepted")
	return &CorrectionsResult{PageSummary: summary}, nil
}

func validateCorrections(beforeHTML string, resp *correctionsResponse, before *domProfile, samples map[string]string) error {
	if err := checkTokenSubset(beforeHTML, resp.FinalTemplateHTML); err != nil {
		return err
	}
	after, err := profileDOM(resp.FinalTemplateHTML)
	if err != nil {
		return err
	}
	if violation := compareDOMProfiles(before, after); violation != "" {
		return fmt.Errorf("structural invariant broken: %s", violation)
	}
	remaining := render.ExtractTokens(resp.FinalTemplateHTML)
	if leak := findSampleLeak(resp.FinalTemplateHTML, samples, remaining); leak != "" {
		return fmt.Errorf("sample leak: %s", leak)
	}
	if strings.TrimSpace(resp.PageSummary) == "" {
		return fmt.Errorf("page_summary must be non-empty prose")
	}
	return nil
}
