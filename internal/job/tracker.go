package job

import (
	"time"

	"github.com/neuraworks/neurareport/internal/state"
)

// Step names the report orchestrator reports through the tracker.
const (
	StepValidate  = "validate"
	StepQuery     = "query"
	StepFillHTML  = "fill_html"
	StepRenderPDF = "render_pdf"
	StepConvert   = "convert"
	StepFinalize  = "finalize"
)

// ReportSteps is the default step sequence for a report run job.
var ReportSteps = []string{StepValidate, StepQuery, StepFillHTML, StepRenderPDF, StepConvert, StepFinalize}

// stepProgress is the static step -> coarse progress table. Progress only
// moves forward; unknown steps leave it unchanged.
var stepProgress = map[string]int{
	StepValidate:  10,
	StepQuery:     35,
	StepFillHTML:  55,
	StepRenderPDF: 75,
	StepConvert:   90,
	StepFinalize:  100,
}

// Tracker records step transitions and derives coarse job progress.
type Tracker struct {
	state *state.Store
	jobID string

	started map[string]time.Time
}

func NewTracker(st *state.Store, jobID string) *Tracker {
	return &Tracker{state: st, jobID: jobID, started: map[string]time.Time{}}
}

// StepStarted marks the step running and bumps progress to just below the
// step's completion value.
func (t *Tracker) StepStarted(name, label string) {
	t.started[name] = time.Now()
	_ = t.state.RecordJobStep(t.jobID, name, state.StepRunning, "", 0, label)
	if p, ok := stepProgress[name]; ok && p > 5 {
		_ = t.state.RecordJobProgress(t.jobID, p-5)
	}
}

func (t *Tracker) StepSucceeded(name string) {
	_ = t.state.RecordJobStep(t.jobID, name, state.StepSucceeded, "", 100, t.elapsedLabel(name))
	if p, ok := stepProgress[name]; ok {
		_ = t.state.RecordJobProgress(t.jobID, p)
	}
}

func (t *Tracker) StepFailed(name string, stepErr error) {
	msg := ""
	if stepErr != nil {
		msg = stepErr.Error()
	}
	_ = t.state.RecordJobStep(t.jobID, name, state.StepFailed, msg, -1, t.elapsedLabel(name))
}

func (t *Tracker) elapsedLabel(name string) string {
	start, ok := t.started[name]
	if !ok {
		return ""
	}
	return time.Since(start).Round(time.Millisecond).String()
}
