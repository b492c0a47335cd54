// Demo pipeline walkthrough: triggers a run against a locally running
// orchestrator, follows it to its terminal state, and prints the transition
// history. Pair it with demo/jobrunner to exercise the whole loop without any
// real workers.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type apiClient struct {
	baseURL   string
	token     string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, token, requestID string) *apiClient {
	return &apiClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:     strings.TrimSpace(token),
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, fmt.Errorf("http %s %s: status=%d body=%s",
			req.Method, req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.StatusCode, body, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) postJSON(path string, in any, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	status, body, err := c.do(req)
	if err != nil {
		return status, err
	}
	return status, json.Unmarshal(body, out)
}

type runDoc struct {
	RunID          string            `json:"run_id"`
	SourceKey      string            `json:"source_key"`
	Location       string            `json:"location"`
	State          string            `json:"state"`
	Verdict        string            `json:"verdict"`
	Attempts       map[string]int    `json:"attempts"`
	CatalogRefs    map[string]string `json:"catalog_refs"`
	RulesetVersion string            `json:"ruleset_version"`
	ErrorKind      string            `json:"error_kind"`
	ErrorMessage   string            `json:"error_message"`
	NotifiedAt     *time.Time        `json:"notified_at"`
}

type transitionDoc struct {
	FromState  string         `json:"from_state"`
	ToState    string         `json:"to_state"`
	Stage      string         `json:"stage"`
	Attempt    int            `json:"attempt"`
	Detail     map[string]any `json:"detail"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type rulesetDoc struct {
	Version string `json:"version"`
	Ruleset struct {
		Rules []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"rules"`
	} `json:"ruleset"`
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	now := time.Now().UTC()
	defaultRequestID := fmt.Sprintf("demo-%s", now.Format("20060102T150405Z"))
	defaultSourceKey := fmt.Sprintf("landing/orders/demo-%s.parquet", now.Format("20060102-150405"))

	var (
		baseURL   = flag.String("api", envOr("SLUICE_API_URL", "http://localhost:8080"), "Orchestrator base URL")
		token     = flag.String("token", envOr("SLUICE_BEARER_TOKEN", ""), "Bearer token (required for OIDC mode)")
		requestID = flag.String("request-id", envOr("SLUICE_DEMO_REQUEST_ID", defaultRequestID), "X-Request-Id for correlation")
		sourceKey = flag.String("source-key", envOr("SLUICE_DEMO_SOURCE_KEY", defaultSourceKey), "Object key that triggers the run")
		bucket    = flag.String("bucket", envOr("SLUICE_DEMO_BUCKET", "raw"), "Raw bucket name used to derive the location")
		location  = flag.String("location", envOr("SLUICE_DEMO_LOCATION", ""), "Full object location (derived from bucket + key when empty)")
		timeout   = flag.Duration("timeout", 5*time.Minute, "How long to wait for a terminal state")
		interval  = flag.Duration("poll", 2*time.Second, "Poll interval while the run is in flight")
	)
	flag.Parse()

	loc := strings.TrimSpace(*location)
	if loc == "" {
		loc = fmt.Sprintf("s3://%s/%s", *bucket, strings.TrimLeft(*sourceKey, "/"))
	}

	client := newAPIClient(*baseURL, *token, *requestID)
	fmt.Printf("==> sluice demo (api=%s, request_id=%s)\n", client.baseURL, client.requestID)

	// 1) Show the quality contract the run will be held to.
	var rs rulesetDoc
	if err := client.getJSON("/v1/ruleset", &rs); err != nil {
		die("fetch ruleset", err)
	}
	fmt.Printf("==> active ruleset: version=%s rules=%d\n", rs.Version, len(rs.Ruleset.Rules))
	for _, rule := range rs.Ruleset.Rules {
		fmt.Printf("    - %s (%s)\n", rule.Name, rule.Kind)
	}

	// 2) Trigger the run (same idempotent call the bucket listener makes).
	var run runDoc
	status, err := client.postJSON("/v1/runs", map[string]any{
		"source_key": *sourceKey,
		"location":   loc,
	}, &run)
	if err != nil {
		die("create run", err)
	}
	if status == http.StatusCreated {
		fmt.Printf("==> created run: %s (source_key=%s)\n", run.RunID, run.SourceKey)
	} else {
		fmt.Printf("==> run already active: %s (source_key=%s)\n", run.RunID, run.SourceKey)
	}

	// 3) Follow the run until it settles.
	deadline := time.Now().Add(*timeout)
	lastState := ""
	for {
		if err := client.getJSON("/v1/runs/"+run.RunID, &run); err != nil {
			die("poll run", err)
		}
		if run.State != lastState {
			lastState = run.State
			fmt.Printf("==> run state: %s\n", run.State)
		}
		if run.State == "succeeded" || run.State == "failed" {
			break
		}
		if time.Now().After(deadline) {
			die("wait for terminal state", fmt.Errorf("run %s still %s after %s", run.RunID, run.State, *timeout))
		}
		time.Sleep(*interval)
	}

	// 4) Print the recorded path.
	var history struct {
		Transitions []transitionDoc `json:"transitions"`
	}
	if err := client.getJSON("/v1/runs/"+run.RunID+"/transitions", &history); err != nil {
		die("fetch transitions", err)
	}
	fmt.Printf("==> transition history (%d entries):\n", len(history.Transitions))
	for _, tr := range history.Transitions {
		line := fmt.Sprintf("    %s  %s -> %s", tr.OccurredAt.Format(time.RFC3339), tr.FromState, tr.ToState)
		if tr.Stage != "" {
			line += fmt.Sprintf("  [%s attempt=%d]", tr.Stage, tr.Attempt)
		}
		if event, ok := tr.Detail["event"].(string); ok {
			line += "  event=" + event
		}
		fmt.Println(line)
	}

	// 5) Summarize the outcome.
	fmt.Println()
	fmt.Printf("==> outcome: %s (verdict=%s, ruleset=%s)\n", run.State, run.Verdict, run.RulesetVersion)
	if run.ErrorKind != "" {
		fmt.Printf("    error_kind=%s: %s\n", run.ErrorKind, run.ErrorMessage)
	}
	if run.ErrorKind == "quality_rejected" {
		fmt.Println("    the source object was moved to the quarantine bucket")
	}
	if len(run.CatalogRefs) > 0 {
		fmt.Printf("    catalog_refs=%v\n", run.CatalogRefs)
	}
	if run.NotifiedAt != nil {
		fmt.Printf("    notified_at=%s\n", run.NotifiedAt.Format(time.RFC3339))
	}

	fmt.Println()
	fmt.Println("Next: inspect the run through the API.")
	fmt.Printf("  - run:         GET %s/v1/runs/%s\n", client.baseURL, run.RunID)
	fmt.Printf("  - transitions: GET %s/v1/runs/%s/transitions\n", client.baseURL, run.RunID)
	fmt.Printf("  - replay:      POST %s/v1/runs/%s/replay\n", client.baseURL, run.RunID)
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
