package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/llm"
	"github.com/neuraworks/neurareport/internal/lock"
	"github.com/neuraworks/neurareport/internal/render"
	"github.com/neuraworks/neurareport/internal/state"
)

const (
	fileSourcePDF    = "source.pdf"
	fileReferencePNG = "reference_p1.png"
	fileTemplateHTML = "template_p1.html"
	fileRenderPNG    = "render_p1.png"
	fileSchemaExt    = "schema_ext.json"
)

type VerifyResult struct {
	TemplateID string            `json:"template_id"`
	SSIM       float64           `json:"ssim"`
	FixApplied bool              `json:"fix_applied"`
	Schema     *ExtractionSchema `json:"schema"`
}

type verifyResponse struct {
	HTML   string           `json:"html"`
	Schema ExtractionSchema `json:"schema"`
}

type fixResponse struct {
	HTML     string `json:"html,omitempty"`
	CSSPatch string `json:"css_patch,omitempty"`
}

// Verify ingests an uploaded reference PDF: rasterize, extract an HTML
// template plus token schema via the LLM, render and score the photocopy
// similarity, optionally run one fix pass, and persist the stage artifacts.
func (p *Pipeline) Verify(ctx context.Context, templateID string, kind artifact.TemplateKind, pdfBytes []byte, correlationID string) (*VerifyResult, error) {
	if p.Settings.MaxVerifyPDFBytes > 0 && int64(len(pdfBytes)) > p.Settings.MaxVerifyPDFBytes {
		return nil, fmt.Errorf("upload exceeds NEURA_MAX_VERIFY_PDF_BYTES (%d bytes)", p.Settings.MaxVerifyPDFBytes)
	}
	if p.Collab.Rasterizer == nil || p.Collab.Browser == nil {
		return nil, fmt.Errorf("verify requires rasterizer and browser collaborators")
	}

	dir, err := p.Artifacts.EnsureDir(kind, templateID)
	if err != nil {
		return nil, err
	}
	lease, err := lock.Acquire(dir, "verify", correlationID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	log := p.log.WithFields(logrus.Fields{"template_id": templateID, "correlation_id": correlationID, "stage": "verify"})

	if err := artifact.WriteBytesAtomic(filepath.Join(dir, fileSourcePDF), pdfBytes); err != nil {
		return nil, err
	}
	refPNG := filepath.Join(dir, fileReferencePNG)
	if err := p.Collab.Rasterizer.PageToPNG(ctx, filepath.Join(dir, fileSourcePDF), 1, p.Settings.PDFDPI, refPNG); err != nil {
		return nil, fmt.Errorf("rasterize reference: %w", err)
	}
	refBytes, _, err := readFileSHA(refPNG)
	if err != nil {
		return nil, err
	}

	req := llm.Request{
		Model:      p.Settings.OpenAIModel,
		System:     verifySystemPrompt,
		User:       verifyUserPrompt,
		ImagePNG:   refBytes,
		JSONObject: true,
	}
	var parsed verifyResponse
	_, err = p.LLM.CompleteChecked(ctx, req, correlationID, VerifyMaxAttempts, func(text string) error {
		var candidate verifyResponse
		if err := decodeValidated("verify", verifySchemaJSON, text, &candidate); err != nil {
			return err
		}
		if err := validateVerifyResponse(&candidate); err != nil {
			return err
		}
		parsed = candidate
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mapping_llm_failed: verify: %w", err)
	}

	htmlPath := filepath.Join(dir, fileTemplateHTML)
	if err := artifact.WriteTextAtomic(htmlPath, parsed.HTML); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(dir, fileSchemaExt), &parsed.Schema); err != nil {
		return nil, err
	}

	renderPNG := filepath.Join(dir, fileRenderPNG)
	if err := p.Collab.Browser.RenderPNG(ctx, htmlPath, renderPNG); err != nil {
		return nil, fmt.Errorf("render preview: %w", err)
	}
	score, err := ssimFiles(refPNG, renderPNG)
	if err != nil {
		return nil, err
	}
	log.WithField("ssim", score).Info("verify render scored")

	fixApplied := false
	if score < p.Settings.TargetSSIM && p.Settings.MaxFixPasses > 0 && p.Settings.VerifyFixHTML {
		improved, newScore, err := p.fixPass(ctx, dir, parsed.HTML, refBytes, score, correlationID)
		if err != nil {
			log.WithError(err).Warn("fix pass failed; keeping first render")
		} else if improved {
			fixApplied = true
			score = newScore
		}
	}

	files := map[string]string{
		"source":    fileSourcePDF,
		"reference": fileReferencePNG,
		"template":  fileTemplateHTML,
		"render":    fileRenderPNG,
		"schema":    fileSchemaExt,
	}
	if _, err := artifact.WriteManifest(dir, "verify", []string{fileSourcePDF}, correlationID, files); err != nil {
		return nil, err
	}

	if _, err := p.State.UpsertTemplate(state.Template{
		ID:     templateID,
		Kind:   string(kind),
		Status: state.TemplateDraft,
	}); err != nil {
		return nil, err
	}

	return &VerifyResult{TemplateID: templateID, SSIM: score, FixApplied: fixApplied, Schema: &parsed.Schema}, nil
}

// fixPass budget is one iteration: the model may return a full HTML
// replacement or a CSS patch merged into the existing <style> block. The fix
// is kept only when it scores at least as well as the first render.
func (p *Pipeline) fixPass(ctx context.Context, dir, currentHTML string, refPNG []byte, baseScore float64, correlationID string) (bool, float64, error) {
	req := llm.Request{
		Model:      p.Settings.OpenAIModel,
		System:     verifyFixSystemPrompt,
		User:       fmt.Sprintf(verifyFixUserPrompt, baseScore, currentHTML),
		ImagePNG:   refPNG,
		JSONObject: true,
	}
	var parsed fixResponse
	_, err := p.LLM.CompleteChecked(ctx, req, correlationID, 1, func(text string) error {
		var candidate fixResponse
		if err := decodeValidated("verify_fix", fixSchemaJSON, text, &candidate); err != nil {
			return err
		}
		if strings.TrimSpace(candidate.HTML) == "" && strings.TrimSpace(candidate.CSSPatch) == "" {
			return fmt.Errorf("fix response must include html or css_patch")
		}
		parsed = candidate
		return nil
	})
	if err != nil {
		return false, baseScore, err
	}

	fixed := currentHTML
	if strings.TrimSpace(parsed.CSSPatch) != "" {
		fixed = mergeCSSPatch(currentHTML, parsed.CSSPatch)
	}
	if strings.TrimSpace(parsed.HTML) != "" {
		if p.Settings.FixAcceptPatchOnly {
			return false, baseScore, fmt.Errorf("full-HTML fix rejected: patch-only mode is enabled")
		}
		if err := checkTokenSubset(currentHTML, parsed.HTML); err != nil {
			return false, baseScore, err
		}
		fixed = parsed.HTML
	}

	htmlPath := filepath.Join(dir, fileTemplateHTML)
	renderPNG := filepath.Join(dir, fileRenderPNG)
	defer func() {
		_ = os.Remove(htmlPath + ".fix")
		_ = os.Remove(renderPNG + ".fix")
	}()
	if err := artifact.WriteTextAtomic(htmlPath+".fix", fixed); err != nil {
		return false, baseScore, err
	}
	if err := p.Collab.Browser.RenderPNG(ctx, htmlPath+".fix", renderPNG+".fix"); err != nil {
		return false, baseScore, err
	}
	score, err := ssimFiles(filepath.Join(dir, fileReferencePNG), renderPNG+".fix")
	if err != nil {
		return false, baseScore, err
	}
	if score < baseScore {
		return false, baseScore, nil
	}
	if err := artifact.WriteTextAtomic(htmlPath, fixed); err != nil {
		return false, baseScore, err
	}
	if err := p.Collab.Browser.RenderPNG(ctx, htmlPath, renderPNG); err != nil {
		return false, baseScore, err
	}
	return true, score, nil
}

// mergeCSSPatch appends the patch to the last </style> in the document, or
// wraps it in a new style element in <head> when none exists.
func mergeCSSPatch(doc, patch string) string {
	idx := strings.LastIndex(doc, "</style>")
	if idx >= 0 {
		return doc[:idx] + "\n" + patch + "\n" + doc[idx:]
	}
	style := "<style>\n" + patch + "\n</style>"
	if headIdx := strings.Index(doc, "</head>"); headIdx >= 0 {
		return doc[:headIdx] + style + doc[headIdx:]
	}
	return style + doc
}

func validateVerifyResponse(v *verifyResponse) error {
	tokens := render.ExtractTokens(v.HTML)
	if len(tokens) == 0 {
		return fmt.Errorf("template html contains no {token} placeholders")
	}
	tokenSet := map[string]bool{}
	for _, t := range tokens {
		tokenSet[t] = true
	}
	for _, t := range v.Schema.All() {
		if !tokenSet[t] {
			return fmt.Errorf("schema token %q does not appear in the html", t)
		}
	}
	if len(v.Schema.RowTokens) > 0 {
		regions := render.CountRepeatRegions(v.HTML)
		if regions == 0 {
			return fmt.Errorf("row tokens present but no BLOCK_REPEAT region markers found")
		}
		profile, err := profileDOM(v.HTML)
		if err != nil {
			return err
		}
		for i, rows := range profile.RowsPerTbody {
			if rows > 1 {
				return fmt.Errorf("tbody %d has %d row prototypes; exactly one <tr> prototype per repeat region is required", i, rows)
			}
		}
	}
	return nil
}

// checkTokenSubset enforces the pipeline-wide invariant: a rewrite may not
// introduce placeholders absent from the original.
func checkTokenSubset(before, after string) error {
	beforeSet := map[string]bool{}
	for _, t := range render.ExtractTokens(before) {
		beforeSet[t] = true
	}
	for _, t := range render.ExtractTokens(after) {
		if !beforeSet[t] {
			return fmt.Errorf("rewrite introduced new token %q", t)
		}
	}
	return nil
}
