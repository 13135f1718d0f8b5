package state

import (
	"encoding/json"
	"time"
)

// JobStatus transitions are monotonic: queued -> running -> terminal, or
// queued -> cancelled directly when a job is cancelled before starting.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

type JobType string

const (
	JobRunReport       JobType = "run_report"
	JobVerify          JobType = "verify"
	JobAutoMap         JobType = "auto_map"
	JobCorrections     JobType = "corrections"
	JobContract        JobType = "contract"
	JobGeneratorAssets JobType = "generator_assets"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// JobStep is a named sub-unit of a job with its own status/progress/timing.
type JobStep struct {
	Name       string     `json:"name"`
	Label      string     `json:"label,omitempty"`
	Status     StepStatus `json:"status"`
	Progress   int        `json:"progress"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type Job struct {
	ID            string            `json:"id"`
	Type          JobType           `json:"type"`
	TemplateID    string            `json:"template_id,omitempty"`
	ConnectionID  string            `json:"connection_id,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	ScheduleID    string            `json:"schedule_id,omitempty"`
	Status        JobStatus         `json:"status"`
	Progress      int               `json:"progress"`
	Steps         []JobStep         `json:"steps,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

type ConnectionStatus string

const (
	ConnectionOK      ConnectionStatus = "ok"
	ConnectionError   ConnectionStatus = "error"
	ConnectionUnknown ConnectionStatus = "unknown"
)

// Connection describes a database the reports run against. The original
// URL/path lives encrypted in the secrets sidecar; SecretRef names it.
type Connection struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      string           `json:"kind"`
	DBPath    string           `json:"db_path"`
	SecretRef string           `json:"secret_ref,omitempty"`
	Status    ConnectionStatus `json:"status"`
	LatencyMS int64            `json:"latency_ms,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type TemplateStatus string

const (
	TemplateDraft                 TemplateStatus = "draft"
	TemplateMappingPreviewed      TemplateStatus = "mapping_previewed"
	TemplateCorrectionsPreviewed  TemplateStatus = "mapping_corrections_previewed"
	TemplateApproved              TemplateStatus = "approved"
	TemplatePending               TemplateStatus = "pending"
)

// GeneratorMeta is the stage-5 summary recorded on the template row.
type GeneratorMeta struct {
	Dialect      string   `json:"dialect,omitempty"`
	Params       []string `json:"params,omitempty"`
	NeedsUserFix []string `json:"needs_user_fix,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

type Template struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"` // pdf | excel
	Status           TemplateStatus    `json:"status"`
	Name             string            `json:"name,omitempty"`
	ArtifactURLs     map[string]string `json:"artifact_urls,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	MappingKeys      []string          `json:"mapping_keys,omitempty"`
	LastConnectionID string            `json:"last_connection_id,omitempty"`
	Generator        *GeneratorMeta    `json:"generator,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Schedule triggers report runs on an interval inside a UTC date window.
type Schedule struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	ConnectionID    string          `json:"connection_id"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         time.Time       `json:"end_date"`
	Frequency       string          `json:"frequency"`
	IntervalMinutes int             `json:"interval_minutes"`
	NextRunAt       time.Time       `json:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	LastRunError    string          `json:"last_run_error,omitempty"`
	LastRunArtifacts map[string]string `json:"last_run_artifacts,omitempty"`
	Active          bool            `json:"active"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ReportRun is the historical record of a completed run.
type ReportRun struct {
	ID           string            `json:"id"`
	TemplateID   string            `json:"template_id"`
	ConnectionID string            `json:"connection_id,omitempty"`
	ScheduleID   string            `json:"schedule_id,omitempty"`
	JobID        string            `json:"job_id,omitempty"`
	Status       string            `json:"status"`
	ArtifactURLs map[string]string `json:"artifact_urls,omitempty"`
	Error        string            `json:"error,omitempty"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// document is the persisted shape of the whole store.
type document struct {
	Connections map[string]*Connection `json:"connections"`
	Templates   map[string]*Template   `json:"templates"`
	Jobs        map[string]*Job        `json:"jobs"`
	Schedules   map[string]*Schedule   `json:"schedules"`
	ReportRuns  []*ReportRun           `json:"report_runs"`
	LastUsed    map[string]string      `json:"last_used"`
	SavedCharts []json.RawMessage      `json:"saved_charts"`
}

func newDocument() *document {
	return &document{
		Connections: map[string]*Connection{},
		Templates:   map[string]*Template{},
		Jobs:        map[string]*Job{},
		Schedules:   map[string]*Schedule{},
		LastUsed:    map[string]string{},
	}
}
