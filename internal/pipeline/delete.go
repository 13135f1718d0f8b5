package pipeline

import (
	"os"

	"github.com/neuraworks/neurareport/internal/artifact"
	"github.com/neuraworks/neurareport/internal/lock"
)

// DeleteTemplate removes a template atomically: the directory tree and the
// state row go together, under the template lock so no pipeline stage or
// report run can race the removal.
func (p *Pipeline) DeleteTemplate(templateID string, kind artifact.TemplateKind, correlationID string) error {
	dir, err := p.Artifacts.Dir(kind, templateID)
	if err != nil {
		return err
	}
	lease, err := lock.Acquire(dir, "delete_template", correlationID)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := p.State.DeleteTemplate(templateID); err != nil {
		return err
	}
	p.log.WithField("template_id", templateID).Info("template deleted")
	return nil
}
