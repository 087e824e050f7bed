// Package webhook signs and delivers job-completion notifications to
// caller-supplied endpoints. Deliveries retry with exponential backoff
// and never fail the job they report on.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"pagerobot/internal/guard"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw payload bytes.
const SignatureHeader = "X-Robot-Signature"

// Payload is the JSON body POSTed to the caller's endpoint.
type Payload struct {
	JobID     string          `json:"jobId"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sign computes the hex-encoded HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
// Constant-time; callers embed this in their receiver documentation.
func Verify(body []byte, secret, signature string) bool {
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// Config is the delivery policy.
type Config struct {
	// MaxAttempts bounds delivery attempts per notification.
	MaxAttempts int

	// BackoffBase spaces attempts by BackoffBase * 2^(attempt-1).
	BackoffBase time.Duration

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// AllowPrivate skips the SSRF re-check. Local development only.
	AllowPrivate bool

	// OutboundRPS paces deliveries across all jobs so a flood of
	// completions cannot saturate egress. Zero means 10/s.
	OutboundRPS float64
}

// Dispatcher delivers signed webhook notifications.
type Dispatcher struct {
	cfg     Config
	guard   *guard.URLGuard
	client  *http.Client
	limiter *rate.Limiter
}

// NewDispatcher builds a dispatcher with the given policy.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.OutboundRPS
	if rps <= 0 {
		rps = 10
	}
	return &Dispatcher{
		cfg:     cfg,
		guard:   guard.NewURLGuard(!cfg.AllowPrivate),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// Deliver signs payload and POSTs it to url, retrying on failure. The
// target URL is re-validated before every attempt: DNS can change
// between job creation and dispatch. Returns the last error after all
// attempts are exhausted.
func (d *Dispatcher) Deliver(ctx context.Context, url, secret string, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}
	signature := Sign(body, secret)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := d.cfg.BackoffBase << uint(attempt-2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = d.attempt(ctx, url, signature, body)
		if lastErr == nil {
			return nil
		}
		log.Printf("webhook delivery to %s failed (attempt %d/%d): %v", url, attempt, d.cfg.MaxAttempts, lastErr)
	}
	return fmt.Errorf("webhook delivery exhausted after %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, url, signature string, body []byte) error {
	if !d.cfg.AllowPrivate {
		if err := d.guard.Check(ctx, url); err != nil {
			return err
		}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PageRobot-Webhook/1.0")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
