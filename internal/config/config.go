package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the process-wide configuration. Values are sourced from the
// environment, optionally overridden by a YAML file, with defaults applied
// last. The env var names are the authoritative set; the YAML keys mirror
// them in lowercase.
type Settings struct {
	// LLM access.
	OpenAIAPIKey       string `yaml:"openai_api_key"`
	OpenAIModel        string `yaml:"openai_model"`
	AllowMissingOpenAI bool   `yaml:"allow_missing_openai"`

	// Filesystem roots.
	UploadRoot string `yaml:"upload_root"`
	StateDir   string `yaml:"state_dir"`

	// State store encryption key material (raw; normalized downstream).
	StateSecret string `yaml:"state_secret"`

	// Job engine.
	JobMaxWorkers int `yaml:"job_max_workers"`

	// Verify-stage tunables.
	MaxVerifyPDFBytes  int64   `yaml:"max_verify_pdf_bytes"` // 0 = unlimited
	PDFDPI             int     `yaml:"pdf_dpi"`
	MaxFixPasses       int     `yaml:"max_fix_passes"`
	VerifyFixHTML      bool    `yaml:"verify_fix_html_enabled"`
	TargetSSIM         float64 `yaml:"photocopy_target_ssim"`
	FixAcceptPatchOnly bool    `yaml:"photocopy_fix_accept_patch_only"`

	// Converter timeout.
	PDF2DocxTimeout time.Duration `yaml:"pdf2docx_timeout"`

	// Schema introspection cache.
	SchemaCacheTTL        time.Duration `yaml:"schema_cache_ttl"`
	SchemaCacheMaxEntries int           `yaml:"schema_cache_max_entries"`

	// Fallback database path (NR_DEFAULT_DB wins over DB_PATH).
	DefaultDBPath string `yaml:"default_db_path"`
}

// FromEnv builds Settings from the process environment with defaults applied.
func FromEnv() (*Settings, error) {
	s := &Settings{
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        strings.TrimSpace(os.Getenv("OPENAI_MODEL")),
		AllowMissingOpenAI: envBool("NEURA_ALLOW_MISSING_OPENAI", false),
		UploadRoot:         strings.TrimSpace(os.Getenv("UPLOAD_ROOT")),
		StateDir:           strings.TrimSpace(os.Getenv("NEURA_STATE_DIR")),
		StateSecret:        os.Getenv("NEURA_STATE_SECRET"),
		JobMaxWorkers:      envInt("NEURA_JOB_MAX_WORKERS", 0),
		MaxVerifyPDFBytes:  envInt64("NEURA_MAX_VERIFY_PDF_BYTES", 0),
		PDFDPI:             envInt("PDF_DPI", 0),
		MaxFixPasses:       envInt("MAX_FIX_PASSES", -1),
		VerifyFixHTML:      envBool("VERIFY_FIX_HTML_ENABLED", true),
		TargetSSIM:         envFloat("PHOTOCOPY_TARGET_SSIM", 0),
		FixAcceptPatchOnly: envBool("PHOTOCOPY_FIX_ACCEPT_PATCH_ONLY", false),
	}
	if v := envInt("NEURA_PDF2DOCX_TIMEOUT", 0); v > 0 {
		s.PDF2DocxTimeout = time.Duration(v) * time.Second
	}
	if v := envInt("NR_SCHEMA_CACHE_TTL_SECONDS", 0); v > 0 {
		s.SchemaCacheTTL = time.Duration(v) * time.Second
	}
	s.SchemaCacheMaxEntries = envInt("NR_SCHEMA_CACHE_MAX_ENTRIES", 0)

	s.DefaultDBPath = strings.TrimSpace(os.Getenv("NR_DEFAULT_DB"))
	if s.DefaultDBPath == "" {
		s.DefaultDBPath = strings.TrimSpace(os.Getenv("DB_PATH"))
	}

	if err := s.applyDefaults(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads a YAML settings file over an env-derived base. Unknown keys are
// rejected so typos fail loudly at startup.
func Load(path string) (*Settings, error) {
	s, err := FromEnv()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := s.applyDefaults(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyDefaults() error {
	if s.UploadRoot == "" {
		s.UploadRoot = filepath.Join(defaultStateHome(), "neurareport", "uploads")
	}
	if s.StateDir == "" {
		s.StateDir = filepath.Join(defaultStateHome(), "neurareport", "state")
	}
	if s.JobMaxWorkers < 1 {
		s.JobMaxWorkers = runtime.NumCPU()
	}
	if s.PDFDPI <= 0 {
		s.PDFDPI = 400
	}
	if s.MaxFixPasses < 0 {
		s.MaxFixPasses = 1
	}
	if s.TargetSSIM <= 0 || s.TargetSSIM > 1 {
		s.TargetSSIM = 0.93
	}
	if s.PDF2DocxTimeout <= 0 {
		s.PDF2DocxTimeout = 120 * time.Second
	}
	if s.SchemaCacheTTL <= 0 {
		s.SchemaCacheTTL = 30 * time.Second
	}
	if s.SchemaCacheMaxEntries <= 0 {
		s.SchemaCacheMaxEntries = 32
	}
	if s.OpenAIModel == "" {
		s.OpenAIModel = "gpt-4o"
	}
	if s.OpenAIAPIKey == "" && !s.AllowMissingOpenAI {
		return fmt.Errorf("OPENAI_API_KEY is not set (set NEURA_ALLOW_MISSING_OPENAI=1 to run without LLM access)")
	}
	return nil
}

func defaultStateHome() string {
	if v := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".local", "state")
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
