package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neuraworks/neurareport/internal/artifact"
)

// RunPayload is the serialized request for one report run. It is persisted
// on the job row (crash recovery) and snapshotted on schedules.
type RunPayload struct {
	TemplateID   string         `json:"template_id"`
	Kind         string         `json:"kind"` // pdf | excel
	ConnectionID string         `json:"connection_id,omitempty"`
	Params       map[string]any `json:"params,omitempty"`

	WantDocx bool `json:"want_docx,omitempty"`
	WantXlsx bool `json:"want_xlsx,omitempty"`

	Landscape bool    `json:"landscape,omitempty"`
	Scale     float64 `json:"scale,omitempty"`

	EmailTo      []string `json:"email_to,omitempty"`
	EmailSubject string   `json:"email_subject,omitempty"`
	EmailBody    string   `json:"email_body,omitempty"`

	ScheduleID string `json:"schedule_id,omitempty"`
}

// ParsePayload decodes and sanity-checks a run payload.
func ParsePayload(raw json.RawMessage) (*RunPayload, error) {
	var p RunPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("run payload: parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *RunPayload) Validate() error {
	if !artifact.ValidTemplateID(p.TemplateID) {
		return fmt.Errorf("invalid_template_id: %q", p.TemplateID)
	}
	switch artifact.TemplateKind(p.Kind) {
	case artifact.KindPDF, artifact.KindExcel:
	default:
		return fmt.Errorf("invalid_template_id: unknown kind %q", p.Kind)
	}
	if p.Scale != 0 && (p.Scale <= 0.1 || p.Scale > 2.0) {
		return fmt.Errorf("run payload: scale %v outside (0.1, 2.0]", p.Scale)
	}
	return nil
}

func (p *RunPayload) kind() artifact.TemplateKind { return artifact.TemplateKind(p.Kind) }

func (p *RunPayload) scale() float64 {
	if p.Scale == 0 {
		return 1.0
	}
	return p.Scale
}

func (p *RunPayload) subject() string {
	if strings.TrimSpace(p.EmailSubject) != "" {
		return p.EmailSubject
	}
	return "Report " + p.TemplateID
}
