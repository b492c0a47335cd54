package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sluice-labs/sluice-go/internal/domain"
)

func testOutcome() Outcome {
	return Outcome{
		RunID:          "run-1",
		SourceKey:      "landing/events.parquet",
		Outcome:        "failed",
		ErrorKind:      domain.ErrorKindQualityRejected,
		Summary:        "2 of 4 rules failed",
		FailedRules:    []string{"movie-title-complete", "rating-bounds"},
		RulesetVersion: "2024-06-01",
		OccurredAt:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifySignsPayload(t *testing.T) {
	const secret = "topsecret"
	var gotBody []byte
	var gotTS, gotSig string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		gotBody, err = io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		gotTS = r.Header.Get(HeaderTimestamp)
		gotSig = r.Header.Get(HeaderSignature)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	hook, err := NewWebhook(Config{URL: server.URL, Secret: secret, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}

	if err := hook.Notify(context.Background(), testOutcome()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if gotTS == "" || gotSig == "" {
		t.Fatalf("expected signature headers, got ts=%q sig=%q", gotTS, gotSig)
	}
	if err := VerifySignature(secret, gotTS, gotBody, gotSig); err != nil {
		t.Fatalf("verify signature: %v", err)
	}

	var delivered Outcome
	if err := json.Unmarshal(gotBody, &delivered); err != nil {
		t.Fatalf("decode delivered outcome: %v", err)
	}
	if delivered.RunID != "run-1" || delivered.Outcome != "failed" {
		t.Fatalf("unexpected delivered outcome: %+v", delivered)
	}
	if len(delivered.FailedRules) != 2 {
		t.Fatalf("expected 2 failed rules got %v", delivered.FailedRules)
	}
}

func TestWebhookNotifyReportsEndpointFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	hook, err := NewWebhook(Config{URL: server.URL, Secret: "s", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	err = hook.Notify(context.Background(), testOutcome())
	if err == nil {
		t.Fatalf("expected delivery error")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	const secret = "topsecret"
	body := []byte(`{"run_id":"run-1"}`)
	sig, err := ComputeSignature(secret, "1717243200", body)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	if err := VerifySignature(secret, "1717243200", body, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifySignature(secret, "1717243201", body, sig); err == nil {
		t.Fatalf("expected timestamp tampering to fail verification")
	}
	if err := VerifySignature(secret, "1717243200", []byte(`{"run_id":"run-2"}`), sig); err == nil {
		t.Fatalf("expected body tampering to fail verification")
	}
	if err := VerifySignature("other", "1717243200", body, sig); err == nil {
		t.Fatalf("expected wrong secret to fail verification")
	}
}

func TestOutcomeValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Outcome)
	}{
		{"missing run id", func(o *Outcome) { o.RunID = "" }},
		{"missing source key", func(o *Outcome) { o.SourceKey = " " }},
		{"unknown outcome", func(o *Outcome) { o.Outcome = "done" }},
	}
	for _, tc := range tests {
		outcome := testOutcome()
		tc.mutate(&outcome)
		if err := outcome.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	good := testOutcome()
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid outcome, got %v", err)
	}
}
