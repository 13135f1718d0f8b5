package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Request is a single chat-completion call: system+user messages, an
// optional PNG attachment, and a JSON-object response flag.
type Request struct {
	Model       string
	System      string
	User        string
	ImagePNG    []byte
	JSONObject  bool
	Temperature *float64
	MaxTokens   *int
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if strings.TrimSpace(r.User) == "" {
		return &ConfigurationError{Message: "user prompt is required"}
	}
	return nil
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Provider is the single collaborator contract for an LLM vendor.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client wraps a provider with transient-error retries and the
// validator-feedback loop the pipeline stages use.
type Client struct {
	provider Provider
	log      *logrus.Entry

	// Backoff between transient retries. Defaults cap at 30s.
	initialDelay time.Duration
	maxDelay     time.Duration
}

func NewClient(provider Provider) *Client {
	return &Client{
		provider:     provider,
		log:          logrus.WithField("component", "llm"),
		initialDelay: 500 * time.Millisecond,
		maxDelay:     30 * time.Second,
	}
}

// Disabled returns a client whose calls fail with a configuration error.
// Used when NEURA_ALLOW_MISSING_OPENAI permits startup without credentials.
func Disabled() *Client {
	return NewClient(nil)
}

func (c *Client) Enabled() bool { return c != nil && c.provider != nil }

// Complete performs one call with transient-error retries (2 extra attempts).
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	return c.complete(ctx, req, "", 3)
}

func (c *Client) complete(ctx context.Context, req Request, correlationID string, attempts int) (Response, error) {
	if !c.Enabled() {
		return Response{}, &ConfigurationError{Message: "llm access is not configured"}
	}
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	log := c.log
	if correlationID != "" {
		log = log.WithField("correlation_id", correlationID)
	}

	var lastErr error
	delay := c.initialDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		log.WithFields(logrus.Fields{
			"model":   req.Model,
			"attempt": attempt,
			"image":   len(req.ImagePNG) > 0,
		}).Debug("llm request")
		log.WithField("prompt", truncateForLog(req.User)).Trace("llm prompt")

		resp, err := c.provider.Complete(ctx, req)
		if err == nil {
			log.WithField("response", truncateForLog(resp.Text)).Trace("llm response")
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts {
			break
		}

		wait := delay
		var le Error
		if errors.As(err, &le) {
			if ra := le.RetryAfter(); ra != nil && *ra > wait {
				wait = *ra
			}
		}
		log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).WithError(err).Warn("llm transient failure; retrying")
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
	return Response{}, lastErr
}

// Validator inspects a raw response and returns actionable feedback on
// rejection. The feedback is echoed to the model on the next attempt.
type Validator func(text string) error

// CompleteChecked runs the stage attempt loop: up to budget attempts, each
// validated; a rejection appends the validator message to the user prompt as
// feedback. Transient provider failures share the same budget.
func (c *Client) CompleteChecked(ctx context.Context, req Request, correlationID string, budget int, validate Validator) (Response, error) {
	if budget < 1 {
		budget = 1
	}
	baseUser := req.User
	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		resp, err := c.complete(ctx, req, correlationID, 1)
		if err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return Response{}, err
			}
			continue
		}
		if validate == nil {
			return resp, nil
		}
		verr := validate(resp.Text)
		if verr == nil {
			return resp, nil
		}
		lastErr = &InvalidJSONError{Feedback: verr.Error()}
		c.log.WithFields(logrus.Fields{
			"correlation_id": correlationID,
			"attempt":        attempt,
		}).WithError(verr).Warn("llm response rejected by validator")
		req.User = fmt.Sprintf("%s\n\nYour previous response was rejected:\n%s\nReturn a corrected response that fixes exactly this problem.", baseUser, verr.Error())
	}
	return Response{}, lastErr
}

func truncateForLog(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max] + "…(truncated)"
}
