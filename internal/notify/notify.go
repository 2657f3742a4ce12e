package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"wipeline/internal/domain"
)

// Notifier delivers end-of-job notifications to the addresses a job names.
type Notifier interface {
	JobFinished(ctx context.Context, job domain.WipeJob, certificateID string) error
}

// LogNotifier writes notifications to the structured log. It is the default
// delivery mode; no mail or webhook infrastructure is required.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) JobFinished(_ context.Context, job domain.WipeJob, certificateID string) error {
	evt := n.Log.Info().
		Str("job_id", job.JobID).
		Str("status", job.Status).
		Strs("notify_emails", job.NotifyEmails)
	if certificateID != "" {
		evt = evt.Str("certificate_id", certificateID)
	}
	evt.Msg("job finished")
	return nil
}

// HTTPNotifier posts a JSON summary to a configured endpoint, for sites that
// bridge notifications into their own mail gateway.
type HTTPNotifier struct {
	URL    string
	Client *http.Client
}

func (n HTTPNotifier) JobFinished(ctx context.Context, job domain.WipeJob, certificateID string) error {
	body, err := json.Marshal(map[string]any{
		"job_id":         job.JobID,
		"status":         job.Status,
		"error_message":  job.ErrorMessage,
		"certificate_id": certificateID,
		"notify_emails":  job.NotifyEmails,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
