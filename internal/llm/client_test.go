package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedProvider returns one canned outcome per call, in order.
type scriptedProvider struct {
	calls []Request
	queue []func(Request) (Response, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req Request) (Response, error) {
	p.calls = append(p.calls, req)
	if len(p.queue) == 0 {
		return Response{}, errors.New("script exhausted")
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next(req)
}

func reply(text string) func(Request) (Response, error) {
	return func(Request) (Response, error) {
		return Response{Text: text, Model: "scripted-1"}, nil
	}
}

func fail(err error) func(Request) (Response, error) {
	return func(Request) (Response, error) { return Response{}, err }
}

func fastClient(p Provider) *Client {
	c := NewClient(p)
	c.initialDelay = time.Millisecond
	c.maxDelay = 2 * time.Millisecond
	return c
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	p := &scriptedProvider{queue: []func(Request) (Response, error){
		fail(ErrorFromHTTPStatus("scripted", 503, "busy", nil)),
		fail(ErrorFromHTTPStatus("scripted", 429, "slow down", nil)),
		reply("ok"),
	}}
	c := fastClient(p)

	resp, err := c.Complete(context.Background(), Request{Model: "m", User: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Len(t, p.calls, 3)
}

func TestCompleteNonRetryableFailsImmediately(t *testing.T) {
	p := &scriptedProvider{queue: []func(Request) (Response, error){
		fail(ErrorFromHTTPStatus("scripted", 401, "bad key", nil)),
		reply("never reached"),
	}}
	c := fastClient(p)

	_, err := c.Complete(context.Background(), Request{Model: "m", User: "hi"})
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	require.Len(t, p.calls, 1)
}

func TestCompleteValidatesRequest(t *testing.T) {
	c := fastClient(&scriptedProvider{})
	_, err := c.Complete(context.Background(), Request{Model: "m"})
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)

	_, err = c.Complete(context.Background(), Request{User: "hi"})
	require.ErrorAs(t, err, &ce)
}

func TestDisabledClientFailsWithConfigurationError(t *testing.T) {
	c := Disabled()
	require.False(t, c.Enabled())
	_, err := c.Complete(context.Background(), Request{Model: "m", User: "hi"})
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestCompleteCheckedFeedbackLoop(t *testing.T) {
	p := &scriptedProvider{queue: []func(Request) (Response, error){
		reply(`not json`),
		reply(`{"ok": true}`),
	}}
	c := fastClient(p)

	resp, err := c.CompleteChecked(context.Background(), Request{Model: "m", User: "base prompt"}, "cid-1", 3, func(text string) error {
		if !strings.HasPrefix(text, "{") {
			return errors.New("response must be a JSON object")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, `{"ok": true}`, resp.Text)
	require.Len(t, p.calls, 2)

	// The retry prompt carries the base prompt plus the validator feedback.
	second := p.calls[1].User
	require.Contains(t, second, "base prompt")
	require.Contains(t, second, "response must be a JSON object")
}

func TestCompleteCheckedBudgetExhaustion(t *testing.T) {
	p := &scriptedProvider{queue: []func(Request) (Response, error){
		reply("bad"), reply("bad"), reply("bad"),
	}}
	c := fastClient(p)

	rejected := errors.New("still wrong")
	_, err := c.CompleteChecked(context.Background(), Request{Model: "m", User: "go"}, "cid", 3, func(string) error { return rejected })
	var ije *InvalidJSONError
	require.ErrorAs(t, err, &ije)
	require.Contains(t, ije.Feedback, "still wrong")
	require.Len(t, p.calls, 3)
}

func TestCompleteCheckedNonRetryableAborts(t *testing.T) {
	p := &scriptedProvider{queue: []func(Request) (Response, error){
		fail(ErrorFromHTTPStatus("scripted", 400, "malformed", nil)),
	}}
	c := fastClient(p)

	_, err := c.CompleteChecked(context.Background(), Request{Model: "m", User: "go"}, "cid", 5, nil)
	var ire *InvalidRequestError
	require.ErrorAs(t, err, &ire)
	require.Len(t, p.calls, 1)
}

func TestErrorFromHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{400, false}, {401, false}, {403, false}, {404, false}, {422, false},
		{408, true}, {429, true}, {500, true}, {502, true}, {503, true}, {504, true},
		{418, true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus("p", tc.status, "msg", nil)
		require.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
		var le Error
		require.ErrorAs(t, err, &le)
		require.Equal(t, tc.status, le.StatusCode())
	}

	require.False(t, IsRetryable(errors.New("plain")))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	d := ParseRetryAfter("30", now)
	require.NotNil(t, d)
	require.Equal(t, 30*time.Second, *d)

	d = ParseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now)
	require.NotNil(t, d)
	require.Equal(t, time.Minute, *d)

	// Past HTTP-date clamps to zero.
	d = ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	require.NotNil(t, d)
	require.Equal(t, time.Duration(0), *d)

	require.Nil(t, ParseRetryAfter("", now))
	require.Nil(t, ParseRetryAfter("soonish", now))
}
