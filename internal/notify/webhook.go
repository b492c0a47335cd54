// Package notify delivers the terminal outcome of a run. Delivery failures
// are reported to the caller for logging but must never feed back into the
// pipeline: a run's outcome stands whether or not anyone heard about it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/platform/env"
)

const (
	HeaderTimestamp = "X-Sluice-Ts"
	HeaderSignature = "X-Sluice-Sig"
)

// Outcome is the terminal summary delivered once per run.
type Outcome struct {
	RunID          string           `json:"run_id"`
	SourceKey      string           `json:"source_key"`
	Outcome        string           `json:"outcome"`
	ErrorKind      domain.ErrorKind `json:"error_kind,omitempty"`
	Summary        string           `json:"summary,omitempty"`
	FailedRules    []string         `json:"failed_rules,omitempty"`
	RulesetVersion string           `json:"ruleset_version,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

func (o Outcome) Validate() error {
	if strings.TrimSpace(o.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(o.SourceKey) == "" {
		return errors.New("source key is required")
	}
	switch o.Outcome {
	case "succeeded", "failed":
	default:
		return fmt.Errorf("outcome must be succeeded or failed, got %q", o.Outcome)
	}
	return nil
}

type Notifier interface {
	Notify(ctx context.Context, outcome Outcome) error
}

// Config holds webhook delivery settings. An empty URL disables the webhook;
// callers should fall back to the log notifier.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("SLUICE_WEBHOOK_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		URL:     env.String("SLUICE_WEBHOOK_URL", ""),
		Secret:  env.String("SLUICE_WEBHOOK_SECRET", ""),
		Timeout: timeout,
	}, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("webhook url is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("webhook url invalid: %q", c.URL)
	}
	if strings.TrimSpace(c.Secret) == "" {
		return errors.New("webhook secret is required")
	}
	if c.Timeout <= 0 {
		return errors.New("webhook timeout must be positive")
	}
	return nil
}

// Webhook posts signed outcome documents to a single endpoint.
type Webhook struct {
	url    string
	secret string
	http   *http.Client
	now    func() time.Time
}

func NewWebhook(cfg Config) (*Webhook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Webhook{
		url:    strings.TrimSpace(cfg.URL),
		secret: strings.TrimSpace(cfg.Secret),
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, outcome Outcome) error {
	if w == nil || w.http == nil {
		return errors.New("webhook not initialized")
	}
	if err := outcome.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	ts := strconv.FormatInt(w.now().Unix(), 10)
	sig, err := ComputeSignature(w.secret, ts, body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, sig)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver outcome: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver outcome: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// ComputeSignature signs the timestamp and body so receivers can authenticate
// the sender and bind the signature to this exact payload.
func ComputeSignature(secret string, ts string, body []byte) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("webhook secret is required")
	}
	if strings.TrimSpace(ts) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(strings.TrimSpace(ts) + "\n")); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	if _, err := mac.Write(body); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks a received signature against the shared secret.
func VerifySignature(secret string, ts string, body []byte, signature string) error {
	expected, err := ComputeSignature(secret, ts, body)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

// LogNotifier records outcomes to the log when no webhook endpoint is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, outcome Outcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "run outcome",
		"run_id", outcome.RunID,
		"source_key", outcome.SourceKey,
		"outcome", outcome.Outcome,
		"error_kind", string(outcome.ErrorKind),
		"ruleset_version", outcome.RulesetVersion,
	)
	return nil
}
