package wipelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Wipeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Device represents the API device model.
type Device struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Type      string `json:"type"`
	Model     string `json:"model"`
	Serial    string `json:"serial"`
	Size      string `json:"size"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Job represents the API wipe job model (partial).
type Job struct {
	ID           string   `json:"id"`
	JobID        string   `json:"job_id"`
	Status       string   `json:"status"`
	Progress     float64  `json:"progress"`
	ErrorMessage string   `json:"error_message,omitempty"`
	CreatedAt    string   `json:"created_at"`
	StartedAt    *string  `json:"started_at,omitempty"`
	EndedAt      *string  `json:"ended_at,omitempty"`
	SpeedMBps    *float64 `json:"speed_mbps,omitempty"`
	ETASeconds   *int     `json:"eta_seconds,omitempty"`
}

// Certificate represents an erasure certificate.
type Certificate struct {
	CertificateID      string `json:"certificate_id"`
	JobID              string `json:"job_id"`
	DeviceModel        string `json:"device_model,omitempty"`
	DeviceSerial       string `json:"device_serial,omitempty"`
	FileName           string `json:"file_name,omitempty"`
	WipeMethod         string `json:"wipe_method"`
	WipePasses         *int   `json:"wipe_passes,omitempty"`
	VerificationResult string `json:"verification_result"`
	StartedAt          string `json:"started_at"`
	EndedAt            string `json:"ended_at"`
	LogHash            string `json:"log_hash"`
	IssuedBy           string `json:"issued_by"`
}

// VerificationFacts is the public certificate verification result.
type VerificationFacts struct {
	Valid              bool   `json:"valid"`
	CertificateID      string `json:"certificate_id,omitempty"`
	JobID              string `json:"job_id,omitempty"`
	DeviceSerial       string `json:"device_serial,omitempty"`
	WipeMethod         string `json:"wipe_method,omitempty"`
	VerificationResult string `json:"verification_result,omitempty"`
	LogHash            string `json:"log_hash,omitempty"`
}

// LogLine is one job log entry.
type LogLine struct {
	TS   string `json:"ts"`
	Line string `json:"line"`
}

// Event is one audit trail entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterDevice adds a device to the registry.
func (c *Client) RegisterDevice(ctx context.Context, d Device) (Device, error) {
	var resp Device
	err := c.do(ctx, http.MethodPost, "v1/devices", d, &resp)
	return resp, err
}

// ListDevices returns all registered devices.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var resp []Device
	err := c.do(ctx, http.MethodGet, "v1/devices", nil, &resp)
	return resp, err
}

// CreateDeviceJob enqueues a wipe job against a device.
func (c *Client) CreateDeviceJob(ctx context.Context, deviceID, policy string, notifyEmails []string) (Job, error) {
	body := map[string]any{
		"device_id": deviceID,
		"policy":    policy,
	}
	if len(notifyEmails) > 0 {
		body["notify_emails"] = notifyEmails
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs", body, &resp)
	return resp, err
}

// CreateFileJob enqueues a wipe job against a file.
func (c *Client) CreateFileJob(ctx context.Context, fileName, policy string) (Job, error) {
	body := map[string]any{
		"file":   map[string]string{"name": fileName},
		"policy": policy,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs", body, &resp)
	return resp, err
}

// GetJob fetches a job by its public id.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "v1/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// JobLogs returns a job's log lines.
func (c *Client) JobLogs(ctx context.Context, jobID string) ([]LogLine, error) {
	var resp []LogLine
	err := c.do(ctx, http.MethodGet, "v1/jobs/"+url.PathEscape(jobID)+"/logs", nil, &resp)
	return resp, err
}

// StartJob moves a queued job to Running. Deployments running the
// progress driver rarely need this; it exists for manual control.
func (c *Client) StartJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs/"+url.PathEscape(jobID)+"/start", nil, &resp)
	return resp, err
}

// CancelJob cancels a non-terminal job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &resp)
	return resp, err
}

// RetryJob re-queues a failed job.
func (c *Client) RetryJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs/"+url.PathEscape(jobID)+"/retry", nil, &resp)
	return resp, err
}

// GetCertificate fetches a certificate by its public id (authenticated).
func (c *Client) GetCertificate(ctx context.Context, certificateID string) (Certificate, error) {
	var resp Certificate
	err := c.do(ctx, http.MethodGet, "v1/certificates/"+url.PathEscape(certificateID), nil, &resp)
	return resp, err
}

// Verify checks a certificate through the public endpoint. A 404 means the
// id is unknown; Valid is false and err is nil in that case.
func (c *Client) Verify(ctx context.Context, certificateID string) (VerificationFacts, error) {
	var resp VerificationFacts
	err := c.do(ctx, http.MethodGet, "v1/verify/"+url.PathEscape(certificateID), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return VerificationFacts{Valid: false}, nil
	}
	return resp, err
}

// Events pages backwards through the audit trail. Pass the smallest id
// from the previous page as cursor; a zero cursor returns the newest
// events.
func (c *Client) Events(ctx context.Context, limit int, cursor int64) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	endpoint := "v1/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
