package jobs

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

	"github.com/sluice-labs/sluice-go/internal/platform/env"
)

var (
	ErrUnauthorized  = errors.New("job runner request unauthorized")
	ErrUnexpectedAPI = errors.New("job runner unexpected response")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("job runner api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("job runner api error (status=%d): %s", e.StatusCode, body)
}

// Config holds job runner connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("SLUICE_JOBRUNNER_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL: env.String("SLUICE_JOBRUNNER_URL", "http://localhost:8090"),
		Token:   env.String("SLUICE_JOBRUNNER_TOKEN", ""),
		Timeout: timeout,
	}, nil
}

func (c Config) Validate() error {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return errors.New("job runner base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("job runner base url invalid: %q", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return errors.New("job runner timeout must be positive")
	}
	return nil
}

// HTTPClient talks to the job runner's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type pollResponse struct {
	JobID     string          `json:"job_id"`
	State     string          `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

func (c *HTTPClient) Submit(ctx context.Context, sub Submission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out submitResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	jobID := strings.TrimSpace(out.JobID)
	if jobID == "" {
		return "", fmt.Errorf("%w: submit response missing job_id", ErrUnexpectedAPI)
	}
	return jobID, nil
}

func (c *HTTPClient) Poll(ctx context.Context, jobID string) (Status, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Status{}, errors.New("job id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Status{}, err
	}

	var out pollResponse
	if err := c.do(req, &out); err != nil {
		if errors.Is(err, errJobNotFound) {
			return Status{State: JobStateNotFound, Reason: "job not found"}, nil
		}
		return Status{}, err
	}

	state := NormalizeJobState(out.State)
	if state == "" {
		return Status{}, fmt.Errorf("%w: unknown job state %q", ErrUnexpectedAPI, out.State)
	}
	return Status{
		State:     state,
		Reason:    strings.TrimSpace(out.Reason),
		Retryable: out.Retryable,
		Output:    out.Output,
	}, nil
}

var errJobNotFound = errors.New("job not found")

func (c *HTTPClient) do(req *http.Request, out any) error {
	if req == nil {
		return errors.New("request is required")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode job runner response: %w", err)
		}
		return nil
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrSubmissionRejected, strings.TrimSpace(string(body)))
	case http.StatusNotFound:
		return errJobNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
