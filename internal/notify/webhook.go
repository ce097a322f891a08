// Package notify pushes terminal job records to an external webhook.
// Delivery is fire-and-forget with a couple of retries; a dead endpoint
// never holds up or fails a job.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/clusterforge/hatest/internal/domain"
	"github.com/clusterforge/hatest/internal/metrics"
)

const (
	defaultTimeout = 10 * time.Second
	maxAttempts    = 3
	retryBackoff   = 2 * time.Second
)

// payload is the wire shape of a completion notification.
type payload struct {
	JobID       string         `json:"job_id"`
	WorkspaceID string         `json:"workspace_id"`
	ScheduleID  string         `json:"schedule_id,omitempty"`
	TestGroup   string         `json:"test_group,omitempty"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
}

type WebhookNotifier struct {
	url     string
	secret  string
	client  *http.Client
	metrics metrics.Sink
}

func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: defaultTimeout},
		metrics: metrics.NewNoopSink(),
	}
}

func (n *WebhookNotifier) WithMetrics(sink metrics.Sink) *WebhookNotifier {
	n.metrics = sink
	return n
}

// JobFinished posts the terminal job to the configured endpoint. The
// delivery runs in its own goroutine so the worker's cleanup path never
// waits on the network.
func (n *WebhookNotifier) JobFinished(ctx context.Context, job *domain.Job) {
	if !job.IsTerminal() {
		return
	}

	p := payload{
		JobID:       job.ID.String(),
		WorkspaceID: job.WorkspaceID,
		TestGroup:   job.TestGroup,
		Status:      string(job.Status),
		Error:       job.Error,
		Result:      job.Result,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		DurationMS:  job.Duration().Milliseconds(),
	}
	if job.ScheduleID != nil {
		p.ScheduleID = job.ScheduleID.String()
	}

	body, err := json.Marshal(p)
	if err != nil {
		log.Printf("notify: marshal job %s: %v", job.ID, err)
		return
	}

	go n.deliver(job.ID.String(), body)
}

func (n *WebhookNotifier) deliver(jobID string, body []byte) {
	signature := computeSignature(n.secret, body)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(retryBackoff)
		}
		if n.post(jobID, body, signature) {
			n.metrics.NotifyDelivery(metrics.OutcomeSuccess)
			return
		}
	}
	log.Printf("notify: job %s: giving up after %d attempts", jobID, maxAttempts)
	n.metrics.NotifyDelivery(metrics.OutcomeFailed)
}

func (n *WebhookNotifier) post(jobID string, body []byte, signature string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("notify: job %s: build request: %v", jobID, err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-HATest-Job-ID", jobID)
	req.Header.Set("X-HATest-Signature", signature)

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("notify: job %s: %v", jobID, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	log.Printf("notify: job %s: endpoint returned %d", jobID, resp.StatusCode)
	return false
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets receivers check an incoming notification.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
