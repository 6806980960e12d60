// Package remote is the HTTP client for the job service's start, status and
// cancel endpoints.
//
// Endpoints:
//
//	POST   {base}/{job_type}           -> {"id": "<job_id>"}
//	GET    {base}/{job_type}/{job_id}  -> status envelope
//	DELETE {base}/{job_type}/{job_id}  -> cancel (best effort)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. http://localhost:8081/api (required).
	BaseURL string

	// Timeout bounds each HTTP request.
	// Default: 30s
	Timeout time.Duration

	// RateLimit is the maximum requests per second sent to the service.
	// Zero means unlimited.
	RateLimit float64

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// DefaultTimeout is the per-request timeout applied when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// Client talks to the remote job service.
//
// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// StartResponse is the body returned by the start endpoint.
type StartResponse struct {
	ID string `json:"id"`
}

// New creates a Client. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote base url: unsupported scheme %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{base: base, http: hc, logger: logger}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// BaseURL returns the configured service root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Start submits a job and returns the id assigned by the service.
func (c *Client) Start(ctx context.Context, jobType jobstatus.JobType, params any) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", &Error{Op: "Start", JobType: jobType, Err: fmt.Errorf("%w: marshal params: %v", ErrInvalidRequest, err)}
	}

	var out StartResponse
	if err := c.do(ctx, "Start", jobType, "", http.MethodPost, body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &Error{Op: "Start", JobType: jobType, StatusCode: http.StatusOK, Err: fmt.Errorf("%w: missing job id", ErrBadResponse)}
	}

	c.logger.Debug("Started remote job",
		zap.String("job_type", jobType.String()),
		zap.String("job_id", out.ID))
	return out.ID, nil
}

// Status fetches the current envelope for a job. Cancelling ctx aborts the
// request in flight.
func (c *Client) Status(ctx context.Context, jobType jobstatus.JobType, jobID string) (*jobstatus.Envelope, error) {
	var env jobstatus.Envelope
	if err := c.do(ctx, "Status", jobType, jobID, http.MethodGet, nil, &env); err != nil {
		return nil, err
	}
	if env.JobID == "" {
		env.JobID = jobID
	}
	return &env, nil
}

// Cancel asks the service to stop a job. The service may ignore it.
func (c *Client) Cancel(ctx context.Context, jobType jobstatus.JobType, jobID string) error {
	return c.do(ctx, "Cancel", jobType, jobID, http.MethodDelete, nil, nil)
}

func (c *Client) endpoint(jobType jobstatus.JobType, jobID string) string {
	segments := []string{url.PathEscape(jobType.String())}
	if jobID != "" {
		segments = append(segments, url.PathEscape(jobID))
	}
	return c.base.JoinPath(segments...).String()
}

func (c *Client) do(ctx context.Context, op string, jobType jobstatus.JobType, jobID, method string, body []byte, out any) error {
	wrap := func(code int, err error) error {
		return &Error{Op: op, JobType: jobType, JobID: jobID, StatusCode: code, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return wrap(0, err)
		}
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(jobType, jobID), rdr)
	if err != nil {
		return wrap(0, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return wrap(0, ctxErr)
		}
		return wrap(0, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return wrap(resp.StatusCode, fmt.Errorf("%w: %s", classifyStatus(resp.StatusCode), strings.TrimSpace(string(msg))))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return wrap(resp.StatusCode, fmt.Errorf("%w: empty body", ErrBadResponse))
		}
		return wrap(resp.StatusCode, fmt.Errorf("%w: %v", ErrBadResponse, err))
	}
	return nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= 500:
		return ErrUnavailable
	default:
		return ErrInvalidRequest
	}
}
