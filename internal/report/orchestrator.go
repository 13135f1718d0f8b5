package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/catalog"
	"github.com/neuraworks/neurareport/internal/config"
	"github.com/neuraworks/neurareport/internal/contract"
	"github.com/neuraworks/neurareport/internal/job"
	"github.com/neuraworks/neurareport/internal/lock"
	"github.com/neuraworks/neurareport/internal/render"
	"github.com/neuraworks/neurareport/internal/sqlexec"
	"github.com/neuraworks/neurareport/internal/state"
)

// Progress receives step transitions; the job tracker satisfies it. A nil
// Progress is legal for direct CLI runs.
type Progress interface {
	StepStarted(name, label string)
	StepSucceeded(name string)
	StepFailed(name string, stepErr error)
}

// Poller is the cooperative cancellation check, called between SELECTs and
// before each renderer call.
type Poller func() error

// Step names, shared with the job tracker's progress table.
const (
	stepValidate  = "validate"
	stepQuery     = "query"
	stepFillHTML  = "fill_html"
	stepRenderPDF = "render_pdf"
	stepConvert   = "convert"
	stepFinalize  = "finalize"
)

// RunResult is the report run outcome: produced artifacts by format, formats
// that failed (partial sets are valid), and delivery status.
type RunResult struct {
	RunID          string            `json:"run_id"`
	Status         string            `json:"status"`
	Artifacts      map[string]string `json:"artifacts"`
	MissingFormats []string          `json:"missing_formats,omitempty"`
	EmailSent      bool              `json:"email_sent"`
}

// Orchestrator sequences one report run: resolve database, lock the template
// directory, load and validate the contract, execute SQL, fill and render,
// write the manifest, record the run. It is the only component that mutates
// a template directory at run time.
type Orchestrator struct {
	State     *state.Store
	Artifacts *artifact.Store
	Catalogs  *catalog.Cache
	Settings  *config.Settings
	Collab    render.Collaborators

	log *logrus.Entry
}

func NewOrchestrator(st *state.Store, artifacts *artifact.Store, catalogs *catalog.Cache, settings *config.Settings, collab render.Collaborators) *Orchestrator {
	return &Orchestrator{
		State:     st,
		Artifacts: artifacts,
		Catalogs:  catalogs,
		Settings:  settings,
		Collab:    collab,
		log:       logrus.WithField("component", "report"),
	}
}

// ResolveDBPath applies the database precedence: explicit connection id,
// last-used connection, configured default path, latest connection record.
func (o *Orchestrator) ResolveDBPath(connectionID string) (string, string, error) {
	if connectionID != "" {
		c, err := o.State.GetConnection(connectionID)
		if err != nil {
			return "", "", err
		}
		_ = o.State.SetLastUsedConnection(c.ID)
		return c.DBPath, c.ID, nil
	}
	if id, err := o.State.LastUsedConnection(); err == nil && id != "" {
		if c, err := o.State.GetConnection(id); err == nil {
			return c.DBPath, c.ID, nil
		}
	}
	if o.Settings.DefaultDBPath != "" {
		return o.Settings.DefaultDBPath, "", nil
	}
	if c, err := o.State.LatestConnection(); err == nil && c != nil {
		return c.DBPath, c.ID, nil
	}
	return "", "", fmt.Errorf("no database connection available")
}

// Run executes one report run. Errors below the orchestrator propagate
// unchanged; only this layer translates them into run status codes.
func (o *Orchestrator) Run(ctx context.Context, payload *RunPayload, correlationID string, progress Progress, poll Poller) (*RunResult, error) {
	if progress == nil {
		progress = noopProgress{}
	}
	if poll == nil {
		poll = func() error { return nil }
	}
	log := o.log.WithFields(logrus.Fields{"template_id": payload.TemplateID, "correlation_id": correlationID})

	// --- validate ---
	progress.StepStarted(stepValidate, "Validating contract")
	if err := payload.Validate(); err != nil {
		progress.StepFailed(stepValidate, err)
		return nil, err
	}
	dbPath, connectionID, err := o.ResolveDBPath(payload.ConnectionID)
	if err != nil {
		progress.StepFailed(stepValidate, err)
		return nil, err
	}
	dir, err := o.Artifacts.Dir(payload.kind(), payload.TemplateID)
	if err != nil {
		progress.StepFailed(stepValidate, err)
		return nil, err
	}

	assetsRaw, err := readArtifact(dir, "generator/generator_assets.json")
	if err != nil {
		progress.StepFailed(stepValidate, err)
		return nil, err
	}
	assets, err := sqlexec.ParseAssets(assetsRaw)
	if err != nil {
		progress.StepFailed(stepValidate, err)
		return nil, err
	}
	cat, err := o.Catalogs.Get(ctx, connectionID, "default", dbPath)
	if err != nil {
		progress.StepFailed(stepValidate, err)
		return nil, err
	}
	contractRaw, err := readArtifact(dir, "contract.json")
	if err != nil {
		progress.StepFailed(stepValidate, err)
		return nil, err
	}
	c, err := contract.Load(contractRaw, cat.Lines)
	if err != nil {
		progress.StepFailed(stepValidate, err)
		return nil, err
	}
	progress.StepSucceeded(stepValidate)

	lease, err := lock.Acquire(dir, "reports_run", correlationID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	defer artifact.CleanTmp(dir)

	// --- query ---
	progress.StepStarted(stepQuery, "Executing report SQL")
	exec, err := sqlexec.Materialize(ctx, dbPath, cat.TableNames())
	if err != nil {
		progress.StepFailed(stepQuery, err)
		return nil, o.recordFailure(payload, correlationID, fmt.Errorf("report_generation_failed: %w", err))
	}
	defer func() { _ = exec.Close() }()
	data, err := exec.Run(ctx, assets, payload.Params, sqlexec.CancelPoll(poll))
	if err != nil {
		progress.StepFailed(stepQuery, err)
		if isCancel(err) {
			return nil, err
		}
		var mp *sqlexec.MissingParamError
		if errors.As(err, &mp) {
			// Bad input, not a run failure; surfaces as 400 upstream.
			return nil, err
		}
		return nil, o.recordFailure(payload, correlationID, fmt.Errorf("report_generation_failed: %w", err))
	}
	data = sqlexec.ApplyFormatters(data, c.Formatters)
	progress.StepSucceeded(stepQuery)

	// --- fill_html ---
	if err := poll(); err != nil {
		return nil, err
	}
	progress.StepStarted(stepFillHTML, "Filling template")
	tplBytes, err := readArtifact(dir, "template_p1.html")
	if err != nil {
		progress.StepFailed(stepFillHTML, err)
		return nil, o.recordFailure(payload, correlationID, err)
	}
	filled := render.FillHTML(string(tplBytes), data.Header, data.Rows, data.Totals)
	ts := time.Now().UTC().Format("20060102T150405")
	htmlName := "filled_" + ts + ".html"
	if err := artifact.WriteTextAtomic(filepath.Join(dir, htmlName), filled); err != nil {
		progress.StepFailed(stepFillHTML, err)
		return nil, o.recordFailure(payload, correlationID, err)
	}
	progress.StepSucceeded(stepFillHTML)

	artifacts := map[string]string{"html": htmlName}
	var missing []string

	// --- render_pdf ---
	if err := poll(); err != nil {
		return nil, err
	}
	progress.StepStarted(stepRenderPDF, "Rendering PDF")
	pdfName := "filled_" + ts + ".pdf"
	if o.Collab.Browser == nil {
		progress.StepFailed(stepRenderPDF, fmt.Errorf("no browser collaborator"))
		missing = append(missing, "pdf")
	} else if err := o.Collab.Browser.RenderPDF(ctx, filepath.Join(dir, htmlName), filepath.Join(dir, pdfName), render.PDFOptions{
		Landscape: payload.Landscape,
		Scale:     payload.scale(),
	}); err != nil {
		progress.StepFailed(stepRenderPDF, err)
		if isCancel(err) {
			return nil, err
		}
		missing = append(missing, "pdf")
		log.WithError(err).Warn("pdf render failed; continuing with html only")
	} else {
		artifacts["pdf"] = pdfName
		progress.StepSucceeded(stepRenderPDF)
	}

	// --- convert (optional formats; partial failure is a valid result) ---
	if err := poll(); err != nil {
		return nil, err
	}
	progress.StepStarted(stepConvert, "Converting optional formats")
	if payload.WantDocx {
		if name, err := o.convertDocx(ctx, dir, htmlName, artifacts["pdf"], ts, payload); err != nil {
			missing = append(missing, "docx")
			log.WithError(err).Warn("docx conversion failed")
		} else {
			artifacts["docx"] = name
		}
	}
	if payload.WantXlsx {
		xlsxName := "filled_" + ts + ".xlsx"
		if o.Collab.HTMLToXlsx == nil {
			missing = append(missing, "xlsx")
		} else if err := o.Collab.HTMLToXlsx.Convert(ctx, filepath.Join(dir, htmlName), filepath.Join(dir, xlsxName)); err != nil {
			missing = append(missing, "xlsx")
			log.WithError(err).Warn("xlsx conversion failed")
		} else {
			artifacts["xlsx"] = xlsxName
		}
	}
	progress.StepSucceeded(stepConvert)

	// --- finalize ---
	progress.StepStarted(stepFinalize, "Writing manifest")
	if _, err := artifact.WriteManifest(dir, "reports_run", []string{"contract.json", "generator/generator_assets.json"}, correlationID, artifacts); err != nil {
		progress.StepFailed(stepFinalize, err)
		return nil, o.recordFailure(payload, correlationID, err)
	}

	runID := ulid.Make().String()
	result := &RunResult{
		RunID:          runID,
		Status:         string(state.JobSucceeded),
		Artifacts:      artifacts,
		MissingFormats: missing,
	}
	if err := o.State.AppendReportRun(state.ReportRun{
		ID:           runID,
		TemplateID:   payload.TemplateID,
		ConnectionID: connectionID,
		ScheduleID:   payload.ScheduleID,
		Status:       result.Status,
		ArtifactURLs: artifacts,
		FinishedAt:   time.Now().UTC(),
	}); err != nil {
		progress.StepFailed(stepFinalize, err)
		return nil, err
	}
	progress.StepSucceeded(stepFinalize)

	result.EmailSent = o.sendEmail(ctx, dir, payload, artifacts, log)
	log.WithField("artifacts", len(artifacts)).Info("report run complete")
	return result, nil
}

// convertDocx prefers the PDF converter under its hard timeout, falling back
// to the structured HTML export.
func (o *Orchestrator) convertDocx(ctx context.Context, dir, htmlName, pdfName, ts string, payload *RunPayload) (string, error) {
	docxName := "filled_" + ts + ".docx"
	docxPath := filepath.Join(dir, docxName)

	if pdfName != "" && o.Collab.PDFToDocx != nil {
		err := o.Collab.PDFToDocx.Convert(ctx, filepath.Join(dir, pdfName), docxPath, o.Settings.PDF2DocxTimeout)
		if err == nil {
			return docxName, nil
		}
		o.log.WithError(err).Warn("pdf2docx failed; falling back to html export")
	}
	if o.Collab.HTMLToDocx == nil {
		return "", fmt.Errorf("no docx collaborator available")
	}
	if err := o.Collab.HTMLToDocx.Convert(ctx, filepath.Join(dir, htmlName), docxPath, payload.Landscape, payload.scale()); err != nil {
		return "", err
	}
	return docxName, nil
}

// sendEmail attaches the first existing format in preference order
// PDF, DOCX, XLSX, HTML. Delivery failure never fails the run.
func (o *Orchestrator) sendEmail(ctx context.Context, dir string, payload *RunPayload, artifacts map[string]string, log *logrus.Entry) bool {
	to := render.NormalizeEmailTargets(payload.EmailTo)
	if len(to) == 0 || o.Collab.Email == nil {
		return false
	}
	var attachment string
	for _, format := range []string{"pdf", "docx", "xlsx", "html"} {
		if name, ok := artifacts[format]; ok {
			attachment = filepath.Join(dir, name)
			break
		}
	}
	if attachment == "" {
		return false
	}
	ok, err := o.Collab.Email.Send(ctx, to, payload.subject(), payload.EmailBody, []string{attachment})
	if err != nil {
		log.WithError(err).Warn("email delivery failed")
		return false
	}
	return ok
}

// recordFailure appends a failed run record and returns the original error
// wrapped with the stable code.
func (o *Orchestrator) recordFailure(payload *RunPayload, correlationID string, runErr error) error {
	_ = o.State.AppendReportRun(state.ReportRun{
		ID:           ulid.Make().String(),
		TemplateID:   payload.TemplateID,
		ConnectionID: payload.ConnectionID,
		ScheduleID:   payload.ScheduleID,
		Status:       string(state.JobFailed),
		Error:        runErr.Error(),
		FinishedAt:   time.Now().UTC(),
	})
	return runErr
}

func readArtifact(dir, rel string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", rel, err)
	}
	return b, nil
}

type noopProgress struct{}

func (noopProgress) StepStarted(string, string) {}
func (noopProgress) StepSucceeded(string)       {}
func (noopProgress) StepFailed(string, error)   {}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, job.ErrCancelled)
}
