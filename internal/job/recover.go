package job

import (
	"encoding/json"

	"github.com/neuraworks/neurareport/internal/state"
)

const RequeuedMessage = "Server restarted; job requeued"

// Recover sweeps jobs left queued or running by a previous process. A job
// whose payload still deserializes is failed with RequeuedMessage and
// resubmitted as a fresh job carrying meta.recovered_from; anything else is
// failed terminally. At most maxJobs jobs are requeued per restart. Call
// before the engine accepts external traffic.
func (e *Engine) Recover(maxJobs int) (int, error) {
	stale, err := e.state.ListJobs([]state.JobStatus{state.JobQueued, state.JobRunning}, nil, 0, false)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range stale {
		log := e.log.WithField("job_id", j.ID)

		payload, meta, err := e.state.GetJobMeta(j.ID)
		if err != nil {
			log.WithError(err).Warn("recovery: job meta unreadable")
			continue
		}

		requeue := recovered < maxJobs && payloadComplete(payload)
		failMsg := RequeuedMessage
		if !requeue {
			failMsg = "Server restarted; job payload incomplete"
		}
		// queued -> failed and running -> failed are both legal transitions,
		// so the original always lands terminal before the resubmission.
		if err := e.state.RecordJobCompletion(j.ID, state.JobFailed, failMsg, nil); err != nil {
			log.WithError(err).Warn("recovery: completion write failed")
		}
		if !requeue {
			log.Warn("recovery: job payload incomplete; failed terminally")
			continue
		}

		newMeta := map[string]string{}
		for k, v := range meta {
			newMeta[k] = v
		}
		newMeta["recovered_from"] = j.ID
		if _, err := e.Submit(j.Type, j.TemplateID, j.ConnectionID, j.CorrelationID, stepNames(j), newMeta, payload); err != nil {
			log.WithError(err).Warn("recovery: resubmit failed")
			continue
		}
		recovered++
		log.Info("recovery: job requeued")
	}
	return recovered, nil
}

// payloadComplete checks the payload still deserializes to a non-empty JSON
// object.
func payloadComplete(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}
	return len(doc) > 0
}

func stepNames(j *state.Job) []string {
	names := make([]string, 0, len(j.Steps))
	for _, s := range j.Steps {
		names = append(names, s.Name)
	}
	return names
}
